package cryptvol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func testHeader() volumeHeader {
	h := volumeHeader{
		Magic:       MagicBytes,
		Version:     CurrentVersion,
		BlockSize:   BlockSize,
		TotalBlocks: 256,
		VolumeID:    uuid.New(),
		CreatedAt:   1700000000000000000,
		Cipher:      CipherChaCha20Poly1305,
		Flags:       headerFlagRotating,
		Generation:  3,
		Epoch:       7,
		RotatedAt:   1700000001000000000,
	}
	copy(h.NonceSeed[:], "seed-seed-seed-!")
	copy(h.MAC[:], "mac-mac-mac-mac!")
	return h
}

func TestHeaderEncodeDecode(t *testing.T) {
	h := testHeader()

	var buf bytes.Buffer
	n, err := h.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	if n != HeaderSize {
		t.Errorf("WriteTo() wrote %d bytes, want %d", n, HeaderSize)
	}

	var got volumeHeader
	if _, err := got.ReadFrom(&buf); err != nil {
		t.Fatalf("ReadFrom() error = %v", err)
	}
	if got != h {
		t.Errorf("decoded header = %+v, want %+v", got, h)
	}
	if !got.rotating() {
		t.Error("rotating flag lost")
	}
}

func TestHeaderMACInputExcludesMAC(t *testing.T) {
	h := testHeader()
	before := h.macInput()
	h.MAC[0] ^= 0xff
	if !bytes.Equal(before, h.macInput()) {
		t.Error("macInput() covers the MAC field")
	}
	h.Generation++
	if bytes.Equal(before, h.macInput()) {
		t.Error("macInput() does not cover the generation")
	}
}

func TestHeaderDecodeErrors(t *testing.T) {
	h := testHeader()
	valid := h.encode()

	tests := []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{"short", func(b []byte) []byte { return b[:HeaderSize-1] }, ErrCorruptHeader},
		{"magic", func(b []byte) []byte { b[0] ^= 1; return b }, ErrCorruptHeader},
		{"version", func(b []byte) []byte { b[4] = 9; return b }, ErrUnsupportedVersion},
		{"checksum", func(b []byte) []byte { b[30] ^= 1; return b }, ErrCorruptHeader},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := tt.mutate(append([]byte(nil), valid...))
			var got volumeHeader
			if err := got.decode(buf); !errors.Is(err, tt.want) {
				t.Errorf("decode() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestHeaderValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*volumeHeader)
	}{
		{"block size", func(h *volumeHeader) { h.BlockSize = 512 }},
		{"zero blocks", func(h *volumeHeader) { h.TotalBlocks = 0 }},
		{"too many blocks", func(h *volumeHeader) { h.TotalBlocks = MaxTotalBlocks + 1 }},
		{"cipher", func(h *volumeHeader) { h.Cipher = CipherAuto }},
		{"nil id", func(h *volumeHeader) { h.VolumeID = uuid.Nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := testHeader()
			tt.mutate(&h)
			if err := h.Validate(); !errors.Is(err, ErrCorruptHeader) {
				t.Errorf("Validate() error = %v, want ErrCorruptHeader", err)
			}
		})
	}

	h := testHeader()
	if err := h.Validate(); err != nil {
		t.Errorf("Validate() of valid header error = %v", err)
	}
}

func TestLayout(t *testing.T) {
	tests := []struct {
		blocks  uint64
		payload int64
	}{
		{1, 8192},
		{128, 8192},
		{129, 12288},
		{256, 12288},
	}
	for _, tt := range tests {
		if got := payloadOffset(tt.blocks); got != tt.payload {
			t.Errorf("payloadOffset(%d) = %d, want %d", tt.blocks, got, tt.payload)
		}
	}

	if got := entryOffset(3); got != tableOffset+3*EntrySize {
		t.Errorf("entryOffset(3) = %d", got)
	}
	if got := slotOffset(8192, 2); got != 8192+2*SlotSize {
		t.Errorf("slotOffset(8192, 2) = %d", got)
	}
}

func TestBlockEntryEncoding(t *testing.T) {
	e := blockEntry{Flags: entryFlagAllocated, Generation: 2, Counter: 5<<epochShift | 9, Slot: 41}
	enc := e.encode()

	got, err := decodeEntry(enc[:])
	if err != nil {
		t.Fatalf("decodeEntry() error = %v", err)
	}
	if got != e {
		t.Errorf("decodeEntry() = %+v, want %+v", got, e)
	}

	zero := blockEntry{}.encode()
	if zero != [EntrySize]byte{} {
		t.Error("sparse entry does not encode to zeros")
	}
	if got, err := decodeEntry(zero[:]); err != nil || !got.isZero() {
		t.Errorf("decodeEntry(zeros) = %+v, %v", got, err)
	}

	enc[10] ^= 1
	if _, err := decodeEntry(enc[:]); err == nil {
		t.Error("decodeEntry() accepted a damaged entry")
	}
	if _, err := decodeEntry(enc[:EntrySize-1]); err == nil {
		t.Error("decodeEntry() accepted a short entry")
	}
}

func TestNextCounter(t *testing.T) {
	tests := []struct {
		name    string
		counter uint64
		epoch   uint32
		want    uint64
		ok      bool
	}{
		{"never written", 0, 1, 1<<epochShift | 1, true},
		{"same epoch", 1<<epochShift | 4, 1, 1<<epochShift | 5, true},
		{"newer epoch", 1<<epochShift | 4, 3, 3<<epochShift | 1, true},
		{"exhausted", 1<<epochShift | maxSeq, 1, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := blockEntry{Counter: tt.counter}.nextCounter(tt.epoch)
			if ok != tt.ok || got != tt.want {
				t.Errorf("nextCounter() = %#x, %v; want %#x, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}
