package cryptvol

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// CipherEngine provides AEAD encryption/decryption
type CipherEngine interface {
	// Encrypt encrypts plaintext with the given nonce, authenticating ad
	Encrypt(nonce, plaintext, ad []byte) ([]byte, error)

	// Decrypt decrypts ciphertext with the given nonce, verifying ad
	Decrypt(nonce, ciphertext, ad []byte) ([]byte, error)

	// NonceSize returns the size of nonces in bytes
	NonceSize() int

	// Overhead returns the authentication tag size
	Overhead() int

	// Suite returns the cipher suite implemented by the engine
	Suite() CipherSuite
}

// aeadEngine implements CipherEngine on top of any cipher.AEAD
type aeadEngine struct {
	aead  cipher.AEAD
	suite CipherSuite
}

// NewAESGCMEngine creates a new AES-256-GCM cipher engine
func NewAESGCMEngine(key []byte) (CipherEngine, error) {
	if err := ValidateKey(key, KeySize); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &aeadEngine{aead: aead, suite: CipherAES256GCM}, nil
}

// NewChaCha20Poly1305Engine creates a new ChaCha20-Poly1305 cipher engine
func NewChaCha20Poly1305Engine(key []byte) (CipherEngine, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("ChaCha20-Poly1305 requires a %d-byte key, got %d bytes: %w",
			chacha20poly1305.KeySize, len(key), ErrInvalidKey)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create ChaCha20-Poly1305 cipher: %w", err)
	}

	return &aeadEngine{aead: aead, suite: CipherChaCha20Poly1305}, nil
}

// Encrypt seals plaintext and appends the tag
func (e *aeadEngine) Encrypt(nonce, plaintext, ad []byte) ([]byte, error) {
	if err := ValidateNonce(nonce, e.suite); err != nil {
		return nil, err
	}

	return e.aead.Seal(nil, nonce, plaintext, ad), nil
}

// Decrypt opens ciphertext; any tag, nonce or ad mismatch yields ErrIntegrity
func (e *aeadEngine) Decrypt(nonce, ciphertext, ad []byte) ([]byte, error) {
	if err := ValidateNonce(nonce, e.suite); err != nil {
		return nil, err
	}

	plaintext, err := e.aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, ErrIntegrity
	}

	return plaintext, nil
}

// NonceSize returns the nonce size (12 bytes for both suites)
func (e *aeadEngine) NonceSize() int {
	return e.aead.NonceSize()
}

// Overhead returns the authentication tag size (16 bytes)
func (e *aeadEngine) Overhead() int {
	return e.aead.Overhead()
}

func (e *aeadEngine) Suite() CipherSuite {
	return e.suite
}

// NewCipherEngine creates a new cipher engine based on the cipher suite
func NewCipherEngine(suite CipherSuite, key []byte) (CipherEngine, error) {
	switch suite.resolve() {
	case CipherAES256GCM:
		return NewAESGCMEngine(key)
	case CipherChaCha20Poly1305:
		return NewChaCha20Poly1305Engine(key)
	default:
		return nil, ErrUnsupportedCipher
	}
}
