package cryptvol

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewKeyStore(t *testing.T) {
	t.Run("short root", func(t *testing.T) {
		_, err := NewKeyStore(make([]byte, MinRootSecretSize-1), testConfig())
		if !IsValidationError(err) {
			t.Errorf("NewKeyStore() error = %v, want validation error", err)
		}
	})

	t.Run("nil provider", func(t *testing.T) {
		_, err := NewKeyStoreFromProvider(nil, testConfig())
		if !IsValidationError(err) {
			t.Errorf("NewKeyStoreFromProvider(nil) error = %v, want validation error", err)
		}
	})

	t.Run("failing provider", func(t *testing.T) {
		_, err := NewKeyStoreFromProvider(NewEnvRootProvider("CRYPTVOL_TEST_UNSET_ROOT"), testConfig())
		if !errors.Is(err, ErrKeyGeneration) {
			t.Errorf("NewKeyStoreFromProvider() error = %v, want ErrKeyGeneration", err)
		}
	})
}

func TestGenerateVolumeKey(t *testing.T) {
	ks := newTestKeyStore(t)

	key, err := ks.GenerateVolumeKey(uuid.Nil)
	if err != nil {
		t.Fatalf("GenerateVolumeKey() error = %v", err)
	}
	if key.VolumeID == uuid.Nil {
		t.Error("GenerateVolumeKey() returned nil volume id")
	}
	if key.Generation != 0 {
		t.Errorf("Generation = %d, want 0", key.Generation)
	}

	_, err = ks.GenerateVolumeKey(key.VolumeID)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("second GenerateVolumeKey() error = %v, want ErrAlreadyExists", err)
	}

	got, err := ks.VolumeKey(key.VolumeID)
	if err != nil {
		t.Fatalf("VolumeKey() error = %v", err)
	}
	if got.Generation != 0 || got.VolumeID != key.VolumeID {
		t.Errorf("VolumeKey() = %+v, want %+v", got, key)
	}
}

func TestDeriveStorageKeyDeterministic(t *testing.T) {
	root := testRoot(t)
	ks1, err := NewKeyStore(append([]byte(nil), root...), testConfig())
	if err != nil {
		t.Fatalf("NewKeyStore() error = %v", err)
	}
	defer ks1.Close()
	ks2, err := NewKeyStore(append([]byte(nil), root...), testConfig())
	if err != nil {
		t.Fatalf("NewKeyStore() error = %v", err)
	}
	defer ks2.Close()

	id := uuid.New()
	if _, err := ks1.GenerateVolumeKey(id); err != nil {
		t.Fatalf("GenerateVolumeKey() error = %v", err)
	}
	if _, err := ks2.LoadVolumeKey(id, 0, time.Now()); err != nil {
		t.Fatalf("LoadVolumeKey() error = %v", err)
	}

	k1, err := ks1.DeriveStorageKey(id, 0)
	if err != nil {
		t.Fatalf("DeriveStorageKey() error = %v", err)
	}
	defer k1.Destroy()
	k2, err := ks2.DeriveStorageKey(id, 0)
	if err != nil {
		t.Fatalf("DeriveStorageKey() error = %v", err)
	}
	defer k2.Destroy()

	if !bytes.Equal(k1.Bytes(), k2.Bytes()) {
		t.Error("same root, volume and generation gave different keys")
	}
	if len(k1.Bytes()) != KeySize {
		t.Errorf("key size = %d, want %d", len(k1.Bytes()), KeySize)
	}

	// Another volume under the same root gets an unrelated key.
	other := uuid.New()
	if _, err := ks1.GenerateVolumeKey(other); err != nil {
		t.Fatalf("GenerateVolumeKey() error = %v", err)
	}
	k3, err := ks1.DeriveStorageKey(other, 0)
	if err != nil {
		t.Fatalf("DeriveStorageKey() error = %v", err)
	}
	defer k3.Destroy()
	if bytes.Equal(k1.Bytes(), k3.Bytes()) {
		t.Error("different volumes share a storage key")
	}
}

func TestKeyStoreRotateAndRetire(t *testing.T) {
	ks := newTestKeyStore(t)
	key, err := ks.GenerateVolumeKey(uuid.Nil)
	if err != nil {
		t.Fatalf("GenerateVolumeKey() error = %v", err)
	}
	id := key.VolumeID

	rotated, err := ks.RotateKey(id)
	if err != nil {
		t.Fatalf("RotateKey() error = %v", err)
	}
	if rotated.Generation != 1 {
		t.Errorf("rotated generation = %d, want 1", rotated.Generation)
	}

	k0, err := ks.DeriveStorageKey(id, 0)
	if err != nil {
		t.Fatalf("old generation unavailable before retirement: %v", err)
	}
	k1, err := ks.DeriveStorageKey(id, 1)
	if err != nil {
		t.Fatalf("DeriveStorageKey(1) error = %v", err)
	}
	if bytes.Equal(k0.Bytes(), k1.Bytes()) {
		t.Error("generations share a key")
	}
	k0.Destroy()
	k1.Destroy()

	if err := ks.RetireGeneration(id, 1); err == nil {
		t.Error("RetireGeneration() of active generation succeeded")
	}
	if err := ks.RetireGeneration(id, 0); err != nil {
		t.Fatalf("RetireGeneration() error = %v", err)
	}
	if _, err := ks.DeriveStorageKey(id, 0); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("DeriveStorageKey() of retired generation error = %v, want ErrKeyNotFound", err)
	}
	// A retired generation is not resurrected by a later load.
	if _, err := ks.LoadVolumeKey(id, 1, time.Now(), 0); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("LoadVolumeKey() of retired generation error = %v, want ErrKeyNotFound", err)
	}
}

func TestKeyStoreHoldDefersRetirement(t *testing.T) {
	ks := newTestKeyStore(t)
	key, err := ks.GenerateVolumeKey(uuid.Nil)
	if err != nil {
		t.Fatalf("GenerateVolumeKey() error = %v", err)
	}
	id := key.VolumeID

	if err := ks.Hold(id, 0); err != nil {
		t.Fatalf("Hold() error = %v", err)
	}
	if _, err := ks.RotateKey(id); err != nil {
		t.Fatalf("RotateKey() error = %v", err)
	}
	if err := ks.RetireGeneration(id, 0); err != nil {
		t.Fatalf("RetireGeneration() error = %v", err)
	}

	k, err := ks.DeriveStorageKey(id, 0)
	if err != nil {
		t.Fatalf("held generation retired early: %v", err)
	}
	k.Destroy()

	if err := ks.Release(id, 0); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := ks.DeriveStorageKey(id, 0); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("DeriveStorageKey() after last release error = %v, want ErrKeyNotFound", err)
	}
}

func TestKeyStoreDeleteKey(t *testing.T) {
	ks := newTestKeyStore(t)
	key, err := ks.GenerateVolumeKey(uuid.Nil)
	if err != nil {
		t.Fatalf("GenerateVolumeKey() error = %v", err)
	}

	if err := ks.DeleteKey(key.VolumeID); err != nil {
		t.Fatalf("DeleteKey() error = %v", err)
	}
	if _, err := ks.DeriveStorageKey(key.VolumeID, 0); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("DeriveStorageKey() after delete error = %v, want ErrKeyNotFound", err)
	}
	if _, err := ks.LoadVolumeKey(key.VolumeID, 0, time.Now()); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("LoadVolumeKey() after delete error = %v, want ErrKeyNotFound", err)
	}
	if err := ks.DeleteKey(key.VolumeID); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("second DeleteKey() error = %v, want ErrKeyNotFound", err)
	}
	if err := ks.DeleteKey(uuid.New()); !IsKeyError(err) {
		t.Errorf("DeleteKey(unknown) error = %v, want KeyError", err)
	}
}

func TestKeyStoreRotationDue(t *testing.T) {
	cfg := testConfig()
	cfg.RotationInterval = time.Hour
	ks, err := NewKeyStore(testRoot(t), cfg)
	if err != nil {
		t.Fatalf("NewKeyStore() error = %v", err)
	}
	defer ks.Close()

	key, err := ks.GenerateVolumeKey(uuid.Nil)
	if err != nil {
		t.Fatalf("GenerateVolumeKey() error = %v", err)
	}

	due, err := ks.RotationDue(key.VolumeID, key.CreatedAt.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("RotationDue() error = %v", err)
	}
	if due {
		t.Error("rotation due before interval elapsed")
	}
	due, err = ks.RotationDue(key.VolumeID, key.CreatedAt.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("RotationDue() error = %v", err)
	}
	if !due {
		t.Error("rotation not due after interval elapsed")
	}
}

func TestKeyStoreClose(t *testing.T) {
	root := testRoot(t)
	want := append([]byte(nil), root...)
	ks, err := NewKeyStore(root, testConfig())
	if err != nil {
		t.Fatalf("NewKeyStore() error = %v", err)
	}

	exported, err := ks.ExportRootSecret()
	if err != nil {
		t.Fatalf("ExportRootSecret() error = %v", err)
	}
	if !bytes.Equal(exported.Bytes(), want) {
		t.Error("exported root does not match")
	}
	exported.Destroy()

	key, err := ks.GenerateVolumeKey(uuid.Nil)
	if err != nil {
		t.Fatalf("GenerateVolumeKey() error = %v", err)
	}
	if err := ks.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := ks.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	if _, err := ks.DeriveStorageKey(key.VolumeID, 0); !errors.Is(err, ErrKeyStoreClosed) {
		t.Errorf("DeriveStorageKey() after close error = %v, want ErrKeyStoreClosed", err)
	}
	if _, err := ks.GenerateVolumeKey(uuid.Nil); !errors.Is(err, ErrKeyStoreClosed) {
		t.Errorf("GenerateVolumeKey() after close error = %v, want ErrKeyStoreClosed", err)
	}
	if _, err := ks.ExportRootSecret(); !errors.Is(err, ErrKeyStoreClosed) {
		t.Errorf("ExportRootSecret() after close error = %v, want ErrKeyStoreClosed", err)
	}
}
