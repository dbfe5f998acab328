package cryptvol

import (
	"context"
	"testing"
)

func TestVerify(t *testing.T) {
	base, cleanup := setupTestFS(t)
	defer cleanup()
	ks := newTestKeyStore(t)
	v := newTestVolume(t, base, ks, "/disk.cvol", 32)

	writePattern(t, v, 24, 6)

	report, err := v.Verify(context.Background())
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !report.OK() || report.Checked != 24 {
		t.Errorf("Verify() = %+v, want 24 clean blocks", report)
	}

	host := base.hostPath("/disk.cvol")
	for _, index := range []uint64{20, 4} {
		flipBit(t, host, slotOffset(v.payload, v.entries[index].Slot)+BlockSize+3, 1)
	}

	report, err = v.Verify(context.Background())
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if report.OK() {
		t.Fatal("Verify() missed tampered blocks")
	}
	if len(report.Failed) != 2 || report.Failed[0] != 4 || report.Failed[1] != 20 {
		t.Errorf("Failed = %v, want [4 20]", report.Failed)
	}
}

func TestVerifyCancelled(t *testing.T) {
	base, cleanup := setupTestFS(t)
	defer cleanup()
	ks := newTestKeyStore(t)
	v := newTestVolume(t, base, ks, "/disk.cvol", 8)
	writePattern(t, v, 8, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := v.Verify(ctx); err == nil {
		t.Error("Verify() with cancelled context succeeded")
	}
}
