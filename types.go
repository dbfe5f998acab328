package cryptvol

import (
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// BlockSize is the fixed plaintext size of every volume block
	BlockSize = 4096

	// TagSize is the AEAD authentication tag size
	TagSize = 16

	// SlotSize is the on-disk size of one encrypted block (ciphertext || tag)
	SlotSize = BlockSize + TagSize

	// KeySize is the size of every derived symmetric key
	KeySize = 32

	// MaxTotalBlocks bounds the block index so it fits the 48-bit nonce field
	MaxTotalBlocks = 1<<48 - 1

	// maxWriteCounter bounds the per-block write counter (48-bit nonce field)
	maxWriteCounter = 1<<48 - 1

	// DefaultProbeBlocks is the number of allocated blocks sampled on open
	DefaultProbeBlocks = 4

	// DefaultRotationInterval is the default key age after which rotation is due
	DefaultRotationInterval = 30 * 24 * time.Hour
)

// CipherSuite represents the encryption algorithm to use
type CipherSuite uint8

const (
	// CipherAuto automatically selects the best cipher based on hardware capabilities
	CipherAuto CipherSuite = iota
	// CipherAES256GCM uses AES-256 with Galois/Counter Mode
	CipherAES256GCM
	// CipherChaCha20Poly1305 uses ChaCha20 stream cipher with Poly1305 MAC
	CipherChaCha20Poly1305
)

// String returns the string representation of the cipher suite
func (c CipherSuite) String() string {
	switch c {
	case CipherAuto:
		return "auto"
	case CipherAES256GCM:
		return "aes-256-gcm"
	case CipherChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return "unknown"
	}
}

// ParseCipherSuite converts a configuration string into a CipherSuite
func ParseCipherSuite(s string) (CipherSuite, error) {
	switch s {
	case "", "auto":
		return CipherAuto, nil
	case "aes-256-gcm", "aes":
		return CipherAES256GCM, nil
	case "chacha20-poly1305", "chacha20":
		return CipherChaCha20Poly1305, nil
	default:
		return 0, NewValidationError("cipher", s, "unsupported cipher suite")
	}
}

// resolve maps CipherAuto to the concrete suite written to disk
func (c CipherSuite) resolve() CipherSuite {
	if c == CipherAuto {
		return CipherChaCha20Poly1305
	}
	return c
}

// VolumeState is the lifecycle state of a Volume handle
type VolumeState uint8

const (
	// StateCreated means the header is written and no key is loaded yet
	StateCreated VolumeState = iota
	// StateOpen means the key is loaded and block I/O is permitted
	StateOpen
	// StateClosed means key material was released and the handle is unusable
	StateClosed
)

func (s VolumeState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stats describes the space usage of a volume
type Stats struct {
	AllocatedBlocks uint64 // Blocks holding a committed payload
	TotalBlocks     uint64 // Logical size in blocks
	SizeOnDisk      int64  // Container file size in bytes
	Generation      uint32 // Key generation used for new writes
}

// Config contains configuration for volumes and the key store
type Config struct {
	// Cipher suite for newly created volumes
	Cipher CipherSuite

	// NoSync skips fsync between payload and table commits. Only for tests
	// and scratch volumes: acknowledged writes may be lost on power failure.
	NoSync bool

	// ProbeBlocks is the number of allocated blocks authenticated on open
	ProbeBlocks int

	// RotationInterval is the key age after which RotateIfDue rotates
	RotationInterval time.Duration

	// Parallel controls worker fan-out for verification
	Parallel ParallelConfig

	// Logger receives structured events; nil means logrus.New()
	Logger *logrus.Logger
}

// DefaultConfig returns a configuration with every default filled in
func DefaultConfig() *Config {
	return (&Config{}).withDefaults()
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if c.Cipher != CipherAES256GCM && c.Cipher != CipherChaCha20Poly1305 && c.Cipher != CipherAuto {
		return ErrUnsupportedCipher
	}
	if c.ProbeBlocks < 0 {
		return NewValidationError("probe_blocks", c.ProbeBlocks, "cannot be negative")
	}
	if c.RotationInterval < 0 {
		return NewValidationError("rotation_interval", c.RotationInterval, "cannot be negative")
	}
	if err := c.Parallel.Validate(); err != nil {
		return err
	}
	return nil
}

// withDefaults returns a copy of c with zero fields replaced by defaults
func (c *Config) withDefaults() *Config {
	out := Config{}
	if c != nil {
		out = *c
	}
	if out.ProbeBlocks == 0 {
		out.ProbeBlocks = DefaultProbeBlocks
	}
	if out.RotationInterval == 0 {
		out.RotationInterval = DefaultRotationInterval
	}
	if out.Parallel == (ParallelConfig{}) {
		out.Parallel = DefaultParallelConfig()
	}
	if out.Logger == nil {
		out.Logger = logrus.New()
	}
	return &out
}

// resolveConfig validates cfg and fills in defaults
func resolveConfig(cfg *Config) (*Config, error) {
	if cfg == nil {
		return DefaultConfig(), nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg.withDefaults(), nil
}
