package cryptvol

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

// RootSecretProvider supplies the root secret a KeyStore derives from
type RootSecretProvider interface {
	// RootSecret returns a fresh copy of the root secret. The KeyStore
	// wipes the returned slice after sealing it.
	RootSecret() ([]byte, error)
}

// HashFunc represents hash function types for PBKDF2
type HashFunc uint8

const (
	// SHA256 hash function
	SHA256 HashFunc = iota
	// SHA512 hash function
	SHA512
)

func (h HashFunc) hash() (func() hash.Hash, error) {
	switch h {
	case SHA256:
		return sha256.New, nil
	case SHA512:
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("unsupported hash function: %v", h)
	}
}

// PBKDF2Params contains parameters for PBKDF2 key derivation
type PBKDF2Params struct {
	Iterations int      // Number of iterations (minimum 100,000 recommended)
	HashFunc   HashFunc // Hash function to use
}

// Argon2idParams contains parameters for Argon2id key derivation
type Argon2idParams struct {
	Memory      uint32 // Memory in KiB (e.g., 64*1024 for 64MB)
	Iterations  uint32 // Number of iterations (time parameter)
	Parallelism uint8  // Degree of parallelism
}

// PassphraseRootProvider derives the root secret from a passphrase and a
// persisted salt
type PassphraseRootProvider struct {
	passphrase   []byte
	salt         []byte
	useArgon2id  bool
	pbkdf2Params PBKDF2Params
	argon2Params Argon2idParams
}

// NewPassphraseRootProvider creates a provider using Argon2id (recommended)
func NewPassphraseRootProvider(passphrase, salt []byte, params Argon2idParams) *PassphraseRootProvider {
	// Set defaults
	if params.Memory == 0 {
		params.Memory = 64 * 1024 // 64 MB
	}
	if params.Iterations == 0 {
		params.Iterations = 3
	}
	if params.Parallelism == 0 {
		params.Parallelism = 4
	}

	return &PassphraseRootProvider{
		passphrase:   passphrase,
		salt:         salt,
		useArgon2id:  true,
		argon2Params: params,
	}
}

// NewPassphraseRootProviderPBKDF2 creates a provider using PBKDF2
func NewPassphraseRootProviderPBKDF2(passphrase, salt []byte, params PBKDF2Params) *PassphraseRootProvider {
	if params.Iterations == 0 {
		params.Iterations = 100000
	}

	return &PassphraseRootProvider{
		passphrase:   passphrase,
		salt:         salt,
		pbkdf2Params: params,
	}
}

// RootSecret derives the root secret from the passphrase and salt
func (p *PassphraseRootProvider) RootSecret() ([]byte, error) {
	if len(p.passphrase) == 0 {
		return nil, NewValidationError("passphrase", nil, "passphrase cannot be empty")
	}
	if len(p.salt) < 16 {
		return nil, NewValidationError("salt", len(p.salt), "salt must be at least 16 bytes")
	}

	if p.useArgon2id {
		return argon2.IDKey(
			p.passphrase,
			p.salt,
			p.argon2Params.Iterations,
			p.argon2Params.Memory,
			p.argon2Params.Parallelism,
			MinRootSecretSize,
		), nil
	}

	h, err := p.pbkdf2Params.HashFunc.hash()
	if err != nil {
		return nil, err
	}
	return pbkdf2.Key(p.passphrase, p.salt, p.pbkdf2Params.Iterations, MinRootSecretSize, h), nil
}

// GenerateSalt returns a random salt for NewPassphraseRootProvider. The
// salt must be stored alongside the volumes; it is not secret.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("%w: failed to generate salt: %w", ErrKeyGeneration, err)
	}
	return salt, nil
}

// EnvRootProvider reads a hex encoded root secret from an environment variable
type EnvRootProvider struct {
	envVar string
}

// NewEnvRootProvider creates a new environment variable root provider
func NewEnvRootProvider(envVar string) *EnvRootProvider {
	return &EnvRootProvider{envVar: envVar}
}

// RootSecret decodes the root secret from the environment variable
func (e *EnvRootProvider) RootSecret() ([]byte, error) {
	keyHex := strings.TrimSpace(os.Getenv(e.envVar))
	if keyHex == "" {
		return nil, fmt.Errorf("environment variable %s not set", e.envVar)
	}

	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, NewValidationError(e.envVar, nil, "root secret must be hex encoded")
	}
	if len(key) < MinRootSecretSize {
		return nil, NewValidationError(e.envVar, len(key),
			fmt.Sprintf("root secret must be at least %d bytes, got %d", MinRootSecretSize, len(key)))
	}
	return key, nil
}
