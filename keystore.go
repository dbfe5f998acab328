package cryptvol

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"
)

const (
	// MinRootSecretSize is the minimum accepted root secret length
	MinRootSecretSize = 32

	storageKeyInfo = "cryptvol/storage/v1"
)

// VolumeKey describes one generation of a volume's storage key. The key
// bytes never leave the KeyStore except through DeriveStorageKey.
type VolumeKey struct {
	VolumeID   uuid.UUID
	Generation uint32
	CreatedAt  time.Time
}

type generationKey struct {
	enclave   *memguard.Enclave
	createdAt time.Time
}

// volumeKeys is the per-volume key state. Its mutex serializes generation,
// rotation and retirement for that volume only.
type volumeKeys struct {
	mu       sync.RWMutex
	current  uint32
	loaded   bool
	deleted  bool
	gens     map[uint32]*generationKey
	holds    map[uint32]int
	retiring map[uint32]bool
	retired  map[uint32]bool
}

func newVolumeKeys() *volumeKeys {
	return &volumeKeys{
		gens:     make(map[uint32]*generationKey),
		holds:    make(map[uint32]int),
		retiring: make(map[uint32]bool),
		retired:  make(map[uint32]bool),
	}
}

// KeyStore derives, rotates and zeroizes per-volume keys from one root
// secret. It is an explicit object with a scoped lifetime: Close zeroizes
// everything it holds.
type KeyStore struct {
	mu       sync.RWMutex
	root     *memguard.Enclave
	volumes  map[uuid.UUID]*volumeKeys
	rand     io.Reader
	interval time.Duration
	log      *logrus.Logger
	closed   bool
}

// NewKeyStore creates a key store from a root key-agreement secret. The
// root slice is moved into a memguard enclave and wiped.
func NewKeyStore(root []byte, cfg *Config) (*KeyStore, error) {
	cfg, err := resolveConfig(cfg)
	if err != nil {
		return nil, err
	}
	if len(root) < MinRootSecretSize {
		return nil, NewValidationError("root", len(root),
			fmt.Sprintf("root secret must be at least %d bytes", MinRootSecretSize))
	}

	return &KeyStore{
		root:     memguard.NewEnclave(root),
		volumes:  make(map[uuid.UUID]*volumeKeys),
		rand:     rand.Reader,
		interval: cfg.RotationInterval,
		log:      cfg.Logger,
	}, nil
}

// NewKeyStoreFromProvider creates a key store from a root secret provider
func NewKeyStoreFromProvider(p RootSecretProvider, cfg *Config) (*KeyStore, error) {
	if p == nil {
		return nil, NewValidationError("provider", nil, "root secret provider cannot be nil")
	}
	root, err := p.RootSecret()
	if err != nil {
		return nil, &KeyError{Operation: "root", Err: fmt.Errorf("%w: %w", ErrKeyGeneration, err)}
	}
	return NewKeyStore(root, cfg)
}

// rootEnclave returns the root enclave or ErrKeyStoreClosed
func (ks *KeyStore) rootEnclave() (*memguard.Enclave, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if ks.closed {
		return nil, ErrKeyStoreClosed
	}
	return ks.root, nil
}

// lookup returns the state for id, creating it when create is set
func (ks *KeyStore) lookup(id uuid.UUID, create bool) (*volumeKeys, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.closed {
		return nil, ErrKeyStoreClosed
	}
	vk, ok := ks.volumes[id]
	if !ok {
		if !create {
			return nil, ErrKeyNotFound
		}
		vk = newVolumeKeys()
		ks.volumes[id] = vk
	}
	return vk, nil
}

// derive computes HKDF-SHA256(root, salt=volumeID, info=label||generation)
func (ks *KeyStore) derive(id uuid.UUID, gen uint32) (*memguard.Enclave, error) {
	root, err := ks.rootEnclave()
	if err != nil {
		return nil, err
	}
	rootBuf, err := root.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open root enclave: %w", err)
	}
	defer rootBuf.Destroy()

	info := make([]byte, len(storageKeyInfo)+4)
	copy(info, storageKeyInfo)
	binary.BigEndian.PutUint32(info[len(storageKeyInfo):], gen)

	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, rootBuf.Bytes(), id[:], info)
	if _, err := io.ReadFull(r, key); err != nil {
		memguard.WipeBytes(key)
		return nil, fmt.Errorf("failed to derive storage key: %w", err)
	}
	return memguard.NewEnclave(key), nil
}

// ensureGeneration loads gen into vk. Caller holds vk.mu for writing.
func (ks *KeyStore) ensureGeneration(id uuid.UUID, vk *volumeKeys, gen uint32, createdAt time.Time) error {
	if vk.retired[gen] {
		return ErrKeyNotFound
	}
	if _, ok := vk.gens[gen]; ok {
		return nil
	}
	enclave, err := ks.derive(id, gen)
	if err != nil {
		return err
	}
	vk.gens[gen] = &generationKey{enclave: enclave, createdAt: createdAt}
	return nil
}

// GenerateVolumeKey registers a new volume at generation 0. A nil id draws
// a fresh random volume ID; entropy failure yields ErrKeyGeneration.
func (ks *KeyStore) GenerateVolumeKey(id uuid.UUID) (VolumeKey, error) {
	if id == uuid.Nil {
		var err error
		id, err = uuid.NewRandomFromReader(ks.rand)
		if err != nil {
			return VolumeKey{}, &KeyError{Operation: "generate", Err: fmt.Errorf("%w: %w", ErrKeyGeneration, err)}
		}
	}

	vk, err := ks.lookup(id, true)
	if err != nil {
		return VolumeKey{}, &KeyError{Operation: "generate", VolumeID: id.String(), Err: err}
	}

	vk.mu.Lock()
	defer vk.mu.Unlock()

	if vk.deleted {
		return VolumeKey{}, &KeyError{Operation: "generate", VolumeID: id.String(), Err: ErrKeyNotFound}
	}
	if vk.loaded {
		return VolumeKey{}, &KeyError{Operation: "generate", VolumeID: id.String(), Err: ErrAlreadyExists}
	}

	now := time.Now().UTC()
	if err := ks.ensureGeneration(id, vk, 0, now); err != nil {
		return VolumeKey{}, &KeyError{Operation: "generate", VolumeID: id.String(), Err: fmt.Errorf("%w: %w", ErrKeyGeneration, err)}
	}
	vk.current = 0
	vk.loaded = true

	ks.log.WithFields(logrus.Fields{"volume": id.String(), "generation": 0}).Info("generated volume key")
	return VolumeKey{VolumeID: id, Generation: 0, CreatedAt: now}, nil
}

// LoadVolumeKey re-registers a volume found on disk. Keys are re-derived
// from the root secret, which is how a backed-up root recovers volumes.
func (ks *KeyStore) LoadVolumeKey(id uuid.UUID, current uint32, createdAt time.Time, gens ...uint32) (VolumeKey, error) {
	vk, err := ks.lookup(id, true)
	if err != nil {
		return VolumeKey{}, &KeyError{Operation: "load", VolumeID: id.String(), Generation: current, Err: err}
	}

	vk.mu.Lock()
	defer vk.mu.Unlock()

	if vk.deleted {
		return VolumeKey{}, &KeyError{Operation: "load", VolumeID: id.String(), Generation: current, Err: ErrKeyNotFound}
	}
	if !vk.loaded || current > vk.current {
		vk.current = current
	}
	vk.loaded = true

	want := append([]uint32{current}, gens...)
	for _, g := range want {
		if g > vk.current {
			continue
		}
		if err := ks.ensureGeneration(id, vk, g, createdAt); err != nil {
			return VolumeKey{}, &KeyError{Operation: "load", VolumeID: id.String(), Generation: g, Err: err}
		}
	}

	cur := vk.gens[vk.current]
	return VolumeKey{VolumeID: id, Generation: vk.current, CreatedAt: cur.createdAt}, nil
}

// forget drops a volume registered by an open that then failed, so a
// foreign store does not keep keys for a container it cannot read
func (ks *KeyStore) forget(id uuid.UUID) {
	ks.mu.Lock()
	vk, ok := ks.volumes[id]
	if ok {
		delete(ks.volumes, id)
	}
	ks.mu.Unlock()
	if !ok {
		return
	}

	vk.mu.Lock()
	vk.gens = make(map[uint32]*generationKey)
	vk.deleted = true
	vk.mu.Unlock()
}

// VolumeKey returns the active generation for a volume
func (ks *KeyStore) VolumeKey(id uuid.UUID) (VolumeKey, error) {
	vk, err := ks.lookup(id, false)
	if err != nil {
		return VolumeKey{}, &KeyError{Operation: "lookup", VolumeID: id.String(), Err: err}
	}

	vk.mu.RLock()
	defer vk.mu.RUnlock()

	if vk.deleted || !vk.loaded {
		return VolumeKey{}, &KeyError{Operation: "lookup", VolumeID: id.String(), Err: ErrKeyNotFound}
	}
	gk, ok := vk.gens[vk.current]
	if !ok {
		return VolumeKey{}, &KeyError{Operation: "lookup", VolumeID: id.String(), Generation: vk.current, Err: ErrKeyNotFound}
	}
	return VolumeKey{VolumeID: id, Generation: vk.current, CreatedAt: gk.createdAt}, nil
}

// DeriveStorageKey returns the key for (volume, generation) in a locked
// buffer. The same root, volume and generation always give the same key.
// The caller must Destroy the buffer.
func (ks *KeyStore) DeriveStorageKey(id uuid.UUID, gen uint32) (*memguard.LockedBuffer, error) {
	vk, err := ks.lookup(id, false)
	if err != nil {
		return nil, &KeyError{Operation: "derive", VolumeID: id.String(), Generation: gen, Err: err}
	}

	vk.mu.RLock()
	gk, ok := vk.gens[gen]
	usable := !vk.deleted && vk.loaded && !vk.retired[gen] && gen <= vk.current
	vk.mu.RUnlock()

	if !usable {
		return nil, &KeyError{Operation: "derive", VolumeID: id.String(), Generation: gen, Err: ErrKeyNotFound}
	}

	if !ok {
		// Generation below current that was never loaded: re-derive it.
		vk.mu.Lock()
		err := ks.ensureGeneration(id, vk, gen, time.Now().UTC())
		gk = vk.gens[gen]
		vk.mu.Unlock()
		if err != nil {
			return nil, &KeyError{Operation: "derive", VolumeID: id.String(), Generation: gen, Err: err}
		}
	}

	buf, err := gk.enclave.Open()
	if err != nil {
		return nil, &KeyError{Operation: "derive", VolumeID: id.String(), Generation: gen, Err: err}
	}
	return buf, nil
}

// blockCipherFor builds the block cipher for one generation of a volume
func (ks *KeyStore) blockCipherFor(suite CipherSuite, id uuid.UUID, seed [SeedSize]byte, gen uint32) (*blockCipher, error) {
	key, err := ks.DeriveStorageKey(id, gen)
	if err != nil {
		return nil, err
	}
	defer key.Destroy()

	return newBlockCipher(suite, key, id, seed, gen)
}

// RotateKey advances a volume to generation+1. Older generations stay
// usable until RetireGeneration is called for them.
func (ks *KeyStore) RotateKey(id uuid.UUID) (VolumeKey, error) {
	vk, err := ks.lookup(id, false)
	if err != nil {
		return VolumeKey{}, &KeyError{Operation: "rotate", VolumeID: id.String(), Err: err}
	}

	vk.mu.Lock()
	defer vk.mu.Unlock()

	if vk.deleted || !vk.loaded {
		return VolumeKey{}, &KeyError{Operation: "rotate", VolumeID: id.String(), Err: ErrKeyNotFound}
	}

	next := vk.current + 1
	now := time.Now().UTC()
	if err := ks.ensureGeneration(id, vk, next, now); err != nil {
		return VolumeKey{}, &KeyError{Operation: "rotate", VolumeID: id.String(), Generation: next, Err: err}
	}
	vk.current = next

	ks.log.WithFields(logrus.Fields{"volume": id.String(), "generation": next}).Info("rotated volume key")
	return VolumeKey{VolumeID: id, Generation: next, CreatedAt: now}, nil
}

// RetireGeneration zeroizes an old generation once no block needs it. A
// generation held by a snapshot is retired when the last hold is released.
func (ks *KeyStore) RetireGeneration(id uuid.UUID, gen uint32) error {
	vk, err := ks.lookup(id, false)
	if err != nil {
		return &KeyError{Operation: "retire", VolumeID: id.String(), Generation: gen, Err: err}
	}

	vk.mu.Lock()
	defer vk.mu.Unlock()

	if vk.deleted {
		return &KeyError{Operation: "retire", VolumeID: id.String(), Generation: gen, Err: ErrKeyNotFound}
	}
	if gen >= vk.current {
		return &KeyError{Operation: "retire", VolumeID: id.String(), Generation: gen,
			Err: NewValidationError("generation", gen, "cannot retire the active generation")}
	}
	if vk.holds[gen] > 0 {
		vk.retiring[gen] = true
		ks.log.WithFields(logrus.Fields{"volume": id.String(), "generation": gen, "holds": vk.holds[gen]}).
			Warn("generation still referenced by snapshots, retirement deferred")
		return nil
	}
	vk.retire(gen)
	ks.log.WithFields(logrus.Fields{"volume": id.String(), "generation": gen}).Info("retired key generation")
	return nil
}

// retire drops the enclave for gen. Caller holds vk.mu.
func (vk *volumeKeys) retire(gen uint32) {
	delete(vk.gens, gen)
	delete(vk.retiring, gen)
	vk.retired[gen] = true
}

// Hold pins a generation so it survives rotation. Snapshots hold every
// generation their blocks were written under.
func (ks *KeyStore) Hold(id uuid.UUID, gen uint32) error {
	vk, err := ks.lookup(id, true)
	if err != nil {
		return &KeyError{Operation: "hold", VolumeID: id.String(), Generation: gen, Err: err}
	}
	vk.mu.Lock()
	defer vk.mu.Unlock()
	vk.holds[gen]++
	return nil
}

// Release drops a hold taken by Hold and completes a deferred retirement
func (ks *KeyStore) Release(id uuid.UUID, gen uint32) error {
	vk, err := ks.lookup(id, false)
	if err != nil {
		return &KeyError{Operation: "release", VolumeID: id.String(), Generation: gen, Err: err}
	}
	vk.mu.Lock()
	defer vk.mu.Unlock()

	if vk.holds[gen] > 0 {
		vk.holds[gen]--
	}
	if vk.holds[gen] == 0 {
		delete(vk.holds, gen)
		if vk.retiring[gen] {
			vk.retire(gen)
			ks.log.WithFields(logrus.Fields{"volume": id.String(), "generation": gen}).Info("retired key generation after last hold")
		}
	}
	return nil
}

// DeleteKey zeroizes every generation of a volume. Later access to the
// volume fails with ErrKeyNotFound for the lifetime of the store.
func (ks *KeyStore) DeleteKey(id uuid.UUID) error {
	vk, err := ks.lookup(id, false)
	if err != nil {
		return &KeyError{Operation: "delete", VolumeID: id.String(), Err: err}
	}

	vk.mu.Lock()
	defer vk.mu.Unlock()

	if vk.deleted {
		return &KeyError{Operation: "delete", VolumeID: id.String(), Err: ErrKeyNotFound}
	}
	vk.deleted = true
	vk.gens = make(map[uint32]*generationKey)
	vk.retiring = make(map[uint32]bool)

	ks.log.WithField("volume", id.String()).Info("deleted volume key")
	return nil
}

// RotationDue reports whether the active generation is older than the
// configured rotation interval
func (ks *KeyStore) RotationDue(id uuid.UUID, now time.Time) (bool, error) {
	key, err := ks.VolumeKey(id)
	if err != nil {
		return false, err
	}
	return now.Sub(key.CreatedAt) >= ks.interval, nil
}

// ExportRootSecret returns the root secret for backup tooling. Individual
// volume keys are never exported. The caller must Destroy the buffer.
func (ks *KeyStore) ExportRootSecret() (*memguard.LockedBuffer, error) {
	root, err := ks.rootEnclave()
	if err != nil {
		return nil, err
	}
	return root.Open()
}

// Close zeroizes all key material. The store is unusable afterwards.
func (ks *KeyStore) Close() error {
	ks.mu.Lock()
	if ks.closed {
		ks.mu.Unlock()
		return nil
	}
	ks.closed = true
	ks.root = nil
	volumes := ks.volumes
	ks.volumes = make(map[uuid.UUID]*volumeKeys)
	ks.mu.Unlock()

	for _, vk := range volumes {
		vk.mu.Lock()
		vk.gens = make(map[uint32]*generationKey)
		vk.deleted = true
		vk.mu.Unlock()
	}
	return nil
}
