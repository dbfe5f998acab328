package cryptvol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	// NonceSize is the AEAD nonce size shared by both cipher suites
	NonceSize = 12

	// SeedSize is the size of the per-volume nonce seed
	SeedSize = 16

	// headerMACSize is the truncated HMAC-SHA256 length stored in the header
	headerMACSize = 16

	nonceInfo     = "cryptvol/nonce/v1"
	headerMACInfo = "cryptvol/header/v1"
)

// NonceMask derives the 12-byte mask XORed into every nonce of one key
// generation. The mask is public: the seed sits in the header.
func NonceMask(seed [SeedSize]byte, generation uint32) ([NonceSize]byte, error) {
	var mask [NonceSize]byte
	info := make([]byte, len(nonceInfo)+4)
	copy(info, nonceInfo)
	binary.BigEndian.PutUint32(info[len(nonceInfo):], generation)

	r := hkdf.New(sha256.New, seed[:], nil, info)
	if _, err := io.ReadFull(r, mask[:]); err != nil {
		return mask, fmt.Errorf("failed to derive nonce mask: %w", err)
	}
	return mask, nil
}

// DeriveNonce returns mask XOR (uint48 index || uint48 counter).
// For a fixed mask the map (index, counter) -> nonce is injective, so two
// writes under one key never share a nonce while counters only grow.
func DeriveNonce(mask [NonceSize]byte, index, counter uint64) [NonceSize]byte {
	var n [NonceSize]byte
	putUint48(n[0:6], index)
	putUint48(n[6:12], counter)
	for i := range n {
		n[i] ^= mask[i]
	}
	return n
}

func putUint48(b []byte, v uint64) {
	_ = b[5]
	b[0] = byte(v >> 40)
	b[1] = byte(v >> 32)
	b[2] = byte(v >> 24)
	b[3] = byte(v >> 16)
	b[4] = byte(v >> 8)
	b[5] = byte(v)
}

// blockAD binds a tag to its volume and block position
func blockAD(volumeID uuid.UUID, index uint64) []byte {
	ad := make([]byte, 16+8)
	copy(ad, volumeID[:])
	binary.BigEndian.PutUint64(ad[16:], index)
	return ad
}

// blockCipher seals and opens 4096-byte blocks for one (volume, generation)
type blockCipher struct {
	engine     CipherEngine
	volumeID   uuid.UUID
	generation uint32
	mask       [NonceSize]byte
	macKey     []byte

	// refs counts callers using the cipher outside the owning volume's
	// lock; retired marks it dropped from the cache. Both are guarded by
	// the volume's mu.
	refs    int
	retired bool
}

// newBlockCipher builds the engine and header MAC key from a storage key.
// The locked buffer stays owned by the caller.
func newBlockCipher(suite CipherSuite, key *memguard.LockedBuffer, volumeID uuid.UUID, seed [SeedSize]byte, generation uint32) (*blockCipher, error) {
	engine, err := NewCipherEngine(suite, key.Bytes())
	if err != nil {
		return nil, err
	}

	mask, err := NonceMask(seed, generation)
	if err != nil {
		return nil, err
	}

	macKey := make([]byte, sha256.Size)
	r := hkdf.New(sha256.New, key.Bytes(), volumeID[:], []byte(headerMACInfo))
	if _, err := io.ReadFull(r, macKey); err != nil {
		return nil, fmt.Errorf("failed to derive header key: %w", err)
	}

	return &blockCipher{
		engine:     engine,
		volumeID:   volumeID,
		generation: generation,
		mask:       mask,
		macKey:     macKey,
	}, nil
}

// seal encrypts a full block and returns ciphertext || tag
func (b *blockCipher) seal(index, counter uint64, plaintext []byte) ([]byte, error) {
	if len(plaintext) != BlockSize {
		return nil, fmt.Errorf("block plaintext must be %d bytes, got %d", BlockSize, len(plaintext))
	}
	nonce := DeriveNonce(b.mask, index, counter)
	return b.engine.Encrypt(nonce[:], plaintext, blockAD(b.volumeID, index))
}

// open authenticates and decrypts a payload written by seal
func (b *blockCipher) open(index, counter uint64, payload []byte) ([]byte, error) {
	if len(payload) != SlotSize {
		return nil, ErrIntegrity
	}
	nonce := DeriveNonce(b.mask, index, counter)
	return b.engine.Decrypt(nonce[:], payload, blockAD(b.volumeID, index))
}

// headerMAC authenticates the encoded header fields
func (b *blockCipher) headerMAC(encoded []byte) [headerMACSize]byte {
	var out [headerMACSize]byte
	m := hmac.New(sha256.New, b.macKey)
	m.Write(encoded)
	copy(out[:], m.Sum(nil))
	return out
}

// wipe clears the header MAC key. The AEAD key schedule lives inside the
// standard library and is released with the engine.
func (b *blockCipher) wipe() {
	memguard.WipeBytes(b.macKey)
	b.engine = nil
}
