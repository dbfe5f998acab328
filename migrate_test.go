package cryptvol

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestImportImage(t *testing.T) {
	base, cleanup := setupTestFS(t)
	defer cleanup()
	ks := newTestKeyStore(t)
	v := newTestVolume(t, base, ks, "/disk.cvol", 8)

	// Blocks 0 and 2 hold data, block 1 is empty, block 3 is a partial tail.
	var image bytes.Buffer
	image.Write(patternBlock(0, 1))
	image.Write(make([]byte, BlockSize))
	image.Write(patternBlock(2, 1))
	image.Write([]byte("tail"))

	st, err := ImportImage(context.Background(), v, &image)
	if err != nil {
		t.Fatalf("ImportImage() error = %v", err)
	}
	if st.BlocksRead != 4 || st.BlocksWritten != 3 || st.BlocksSkipped != 1 {
		t.Errorf("ImportImage() stats = %+v", st)
	}
	if st.BytesRead != 3*BlockSize+4 {
		t.Errorf("BytesRead = %d, want %d", st.BytesRead, 3*BlockSize+4)
	}

	assertBlock(t, v, 0, patternBlock(0, 1))
	assertBlock(t, v, 2, patternBlock(2, 1))
	tail := make([]byte, BlockSize)
	copy(tail, "tail")
	assertBlock(t, v, 3, tail)

	allocated, err := v.IsAllocated(1)
	if err != nil {
		t.Fatalf("IsAllocated() error = %v", err)
	}
	if allocated {
		t.Error("empty image block was allocated")
	}
}

func TestImportImageTooLarge(t *testing.T) {
	base, cleanup := setupTestFS(t)
	defer cleanup()
	ks := newTestKeyStore(t)
	v := newTestVolume(t, base, ks, "/disk.cvol", 2)

	image := bytes.NewReader(bytes.Repeat([]byte{0xaa}, 3*BlockSize))
	st, err := ImportImage(context.Background(), v, image)
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("ImportImage() error = %v, want ErrOutOfRange", err)
	}
	if st.BlocksWritten != 2 {
		t.Errorf("BlocksWritten = %d, want 2", st.BlocksWritten)
	}
}

func TestImportImageEmpty(t *testing.T) {
	base, cleanup := setupTestFS(t)
	defer cleanup()
	ks := newTestKeyStore(t)
	v := newTestVolume(t, base, ks, "/disk.cvol", 2)

	st, err := ImportImage(context.Background(), v, bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("ImportImage() error = %v", err)
	}
	if st.BlocksRead != 0 {
		t.Errorf("BlocksRead = %d, want 0", st.BlocksRead)
	}
}

func TestImportImageCancelled(t *testing.T) {
	base, cleanup := setupTestFS(t)
	defer cleanup()
	ks := newTestKeyStore(t)
	v := newTestVolume(t, base, ks, "/disk.cvol", 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ImportImage(ctx, v, bytes.NewReader(patternBlock(0, 0)))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("ImportImage() error = %v, want context.Canceled", err)
	}
}
