package cryptvol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/google/uuid"
)

const (
	// MagicBytes identifies volume containers (ASCII: "CVOL")
	MagicBytes = uint32(0x43564F4C)

	// CurrentVersion is the current container format version
	CurrentVersion = uint32(1)

	// headerRegionSize is the space reserved for the header at offset 0
	headerRegionSize = 4096

	// HeaderSize is the encoded size of the fixed header fields
	HeaderSize = 100

	// headerMACOffset is where the MAC starts; everything before it is authenticated
	headerMACOffset = 80

	// headerCRCOffset is where the header checksum starts
	headerCRCOffset = headerMACOffset + headerMACSize

	// tableOffset is the start of the block table
	tableOffset = headerRegionSize

	// EntrySize is the encoded size of one block table entry
	EntrySize = 32

	entryCRCOffset = 24

	// headerFlagRotating is set while a key rotation sweep is in progress
	headerFlagRotating = uint8(1 << 0)

	// entryFlagAllocated marks an entry that points at a committed payload
	entryFlagAllocated = uint8(1 << 0)

	// epochShift splits a write counter into (open epoch, per-epoch sequence)
	epochShift = 24
	maxEpoch   = 1<<(48-epochShift) - 1
	maxSeq     = 1<<epochShift - 1
)

// volumeHeader is the fixed header at offset 0 of every container
type volumeHeader struct {
	Magic       uint32              // Magic bytes to identify containers
	Version     uint32              // Container format version
	BlockSize   uint32              // Plaintext block size, always BlockSize
	TotalBlocks uint64              // Logical size in blocks
	VolumeID    uuid.UUID           // Volume identity and key id
	NonceSeed   [SeedSize]byte      // Public per-volume nonce seed
	CreatedAt   int64               // Unix nanoseconds
	Cipher      CipherSuite         // Concrete AEAD suite
	Flags       uint8               // headerFlag* bits
	Generation  uint32              // Key generation used for new writes
	Epoch       uint32              // Incremented on every open
	RotatedAt   int64               // Unix nanoseconds of the last rotation
	MAC         [headerMACSize]byte // HMAC over the first headerMACOffset bytes
}

// rotating reports whether a rotation sweep was interrupted
func (h *volumeHeader) rotating() bool {
	return h.Flags&headerFlagRotating != 0
}

// encode serializes the header. The MAC field is written as stored.
func (h *volumeHeader) encode() []byte {
	buf := make([]byte, HeaderSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], h.Magic)
	le.PutUint32(buf[4:], h.Version)
	le.PutUint32(buf[8:], h.BlockSize)
	le.PutUint64(buf[12:], h.TotalBlocks)
	copy(buf[20:36], h.VolumeID[:])
	copy(buf[36:52], h.NonceSeed[:])
	le.PutUint64(buf[52:], uint64(h.CreatedAt))
	buf[60] = uint8(h.Cipher)
	buf[61] = h.Flags
	// buf[62:64] reserved
	le.PutUint32(buf[64:], h.Generation)
	le.PutUint32(buf[68:], h.Epoch)
	le.PutUint64(buf[72:], uint64(h.RotatedAt))
	copy(buf[headerMACOffset:headerCRCOffset], h.MAC[:])
	le.PutUint32(buf[headerCRCOffset:], crc32.ChecksumIEEE(buf[:headerCRCOffset]))
	return buf
}

// macInput returns the authenticated portion of the encoded header
func (h *volumeHeader) macInput() []byte {
	return h.encode()[:headerMACOffset]
}

// WriteTo writes the header to the given writer
func (h *volumeHeader) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(h.encode())
	return int64(n), err
}

// ReadFrom reads and structurally validates a header. It does not check
// the MAC, which needs the storage key.
func (h *volumeHeader) ReadFrom(r io.Reader) (int64, error) {
	buf := make([]byte, HeaderSize)
	n, err := io.ReadFull(r, buf)
	if err != nil {
		return int64(n), fmt.Errorf("failed to read header: %w", err)
	}
	return int64(n), h.decode(buf)
}

func (h *volumeHeader) decode(buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrCorruptHeader
	}
	le := binary.LittleEndian

	h.Magic = le.Uint32(buf[0:])
	if h.Magic != MagicBytes {
		return fmt.Errorf("%w: bad magic %#x", ErrCorruptHeader, h.Magic)
	}

	h.Version = le.Uint32(buf[4:])
	if h.Version != CurrentVersion {
		return fmt.Errorf("%w: version %d", ErrUnsupportedVersion, h.Version)
	}

	if crc32.ChecksumIEEE(buf[:headerCRCOffset]) != le.Uint32(buf[headerCRCOffset:]) {
		return fmt.Errorf("%w: checksum mismatch", ErrCorruptHeader)
	}

	h.BlockSize = le.Uint32(buf[8:])
	h.TotalBlocks = le.Uint64(buf[12:])
	copy(h.VolumeID[:], buf[20:36])
	copy(h.NonceSeed[:], buf[36:52])
	h.CreatedAt = int64(le.Uint64(buf[52:]))
	h.Cipher = CipherSuite(buf[60])
	h.Flags = buf[61]
	h.Generation = le.Uint32(buf[64:])
	h.Epoch = le.Uint32(buf[68:])
	h.RotatedAt = int64(le.Uint64(buf[72:]))
	copy(h.MAC[:], buf[headerMACOffset:headerCRCOffset])

	return h.Validate()
}

// Validate checks if the header fields are consistent
func (h *volumeHeader) Validate() error {
	if h.Magic != MagicBytes {
		return ErrCorruptHeader
	}
	if h.Version != CurrentVersion {
		return ErrUnsupportedVersion
	}
	if h.BlockSize != BlockSize {
		return fmt.Errorf("%w: block size %d", ErrCorruptHeader, h.BlockSize)
	}
	if h.TotalBlocks == 0 || h.TotalBlocks > MaxTotalBlocks {
		return fmt.Errorf("%w: total blocks %d", ErrCorruptHeader, h.TotalBlocks)
	}
	if h.Cipher != CipherAES256GCM && h.Cipher != CipherChaCha20Poly1305 {
		return fmt.Errorf("%w: cipher %d", ErrCorruptHeader, h.Cipher)
	}
	if h.VolumeID == uuid.Nil {
		return fmt.Errorf("%w: nil volume id", ErrCorruptHeader)
	}
	return nil
}

// tableSize returns the block table size rounded up to the region alignment
func tableSize(totalBlocks uint64) int64 {
	raw := int64(totalBlocks) * EntrySize
	return (raw + headerRegionSize - 1) / headerRegionSize * headerRegionSize
}

// payloadOffset returns the first byte of the payload region
func payloadOffset(totalBlocks uint64) int64 {
	return tableOffset + tableSize(totalBlocks)
}

// entryOffset returns the file offset of the table entry for index
func entryOffset(index uint64) int64 {
	return tableOffset + int64(index)*EntrySize
}

// slotOffset returns the file offset of a payload slot
func slotOffset(base int64, slot uint64) int64 {
	return base + int64(slot)*SlotSize
}

// blockEntry is one row of the block table. The zero value is a block that
// was never written; a deallocated block keeps its counter so nonces are
// never reused after a later write.
type blockEntry struct {
	Flags      uint8
	Generation uint32
	Counter    uint64
	Slot       uint64
}

func (e blockEntry) allocated() bool {
	return e.Flags&entryFlagAllocated != 0
}

func (e blockEntry) isZero() bool {
	return e == blockEntry{}
}

// epoch returns the open epoch encoded in the counter
func (e blockEntry) epoch() uint32 {
	return uint32(e.Counter >> epochShift)
}

// nextCounter returns the counter for the next write of this block in the
// given open epoch. Counters strictly increase across writes and across
// crashes, since every open bumps the epoch before any write.
func (e blockEntry) nextCounter(epoch uint32) (uint64, bool) {
	if e.epoch() == epoch && e.Counter&maxSeq != 0 {
		seq := e.Counter & maxSeq
		if seq == maxSeq {
			return 0, false
		}
		return e.Counter + 1, true
	}
	return uint64(epoch)<<epochShift | 1, true
}

// encode serializes the entry; the CRC covers the first 24 bytes
func (e blockEntry) encode() [EntrySize]byte {
	var buf [EntrySize]byte
	if e.isZero() {
		return buf
	}
	le := binary.LittleEndian
	buf[0] = e.Flags
	le.PutUint32(buf[4:], e.Generation)
	le.PutUint64(buf[8:], e.Counter)
	le.PutUint64(buf[16:], e.Slot)
	le.PutUint32(buf[entryCRCOffset:], crc32.ChecksumIEEE(buf[:entryCRCOffset]))
	return buf
}

// decodeEntry parses one table entry. An all-zero entry is a sparse block.
func decodeEntry(buf []byte) (blockEntry, error) {
	var e blockEntry
	if len(buf) < EntrySize {
		return e, fmt.Errorf("short table entry")
	}
	if bytes.Equal(buf[:EntrySize], make([]byte, EntrySize)) {
		return e, nil
	}
	le := binary.LittleEndian
	if crc32.ChecksumIEEE(buf[:entryCRCOffset]) != le.Uint32(buf[entryCRCOffset:]) {
		return e, fmt.Errorf("table entry checksum mismatch")
	}
	e.Flags = buf[0]
	e.Generation = le.Uint32(buf[4:])
	e.Counter = le.Uint64(buf[8:])
	e.Slot = le.Uint64(buf[16:])
	return e, nil
}
