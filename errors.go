package cryptvol

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every typed error below also matches one of these with
// errors.Is, so callers can branch on the taxonomy without type switches.
var (
	ErrKeyGeneration      = errors.New("key generation failed")
	ErrKeyNotFound        = errors.New("key not found")
	ErrWrongKey           = errors.New("wrong key for volume")
	ErrCorruptHeader      = errors.New("corrupt volume header")
	ErrUnsupportedVersion = errors.New("unsupported volume format version")
	ErrIntegrity          = errors.New("integrity check failed - data may be corrupted or tampered")
	ErrOutOfRange         = errors.New("block index out of range")
	ErrWrite              = errors.New("write failed")
	ErrVolumeClosed       = errors.New("volume is closed")
	ErrSnapshotNotFound   = errors.New("snapshot not found")
	ErrSnapshotCorrupt    = errors.New("snapshot corrupt")
	ErrAlreadyExists      = errors.New("volume already exists")
	ErrInvalidSize        = errors.New("invalid volume size")
	ErrUnsupportedCipher  = errors.New("unsupported cipher suite")
	ErrInvalidKey         = errors.New("invalid encryption key")
	ErrNilConfig          = errors.New("config cannot be nil")
	ErrNilKeyStore        = errors.New("key store cannot be nil")
	ErrNilBuffer          = errors.New("buffer cannot be nil")
	ErrEmptyPath          = errors.New("path cannot be empty")
	ErrKeyStoreClosed     = errors.New("key store is closed")
	ErrReadOnly           = errors.New("volume is read-only")
)

// ValidationError represents a configuration or parameter validation error
type ValidationError struct {
	Field   string // The field or parameter that failed validation
	Value   any    // The invalid value
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IOError represents a file system I/O error on a volume container
type IOError struct {
	Operation string // "read", "write", "sync", "truncate", "open", ...
	Path      string // Container path
	Offset    int64  // File offset, -1 if not applicable
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

func (e *IOError) Error() string {
	if e.Path != "" && e.Offset >= 0 {
		return fmt.Sprintf("io error: %s %s at offset %d: %s", e.Operation, e.Path, e.Offset, e.Message)
	} else if e.Path != "" {
		return fmt.Sprintf("io error: %s %s: %s", e.Operation, e.Path, e.Message)
	}
	return fmt.Sprintf("io error: %s: %s", e.Operation, e.Message)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Is reports mutating operations as ErrWrite
func (e *IOError) Is(target error) bool {
	if target != ErrWrite {
		return false
	}
	switch e.Operation {
	case "write", "sync", "truncate":
		return true
	}
	return false
}

// CorruptionError represents structural damage to a container or catalog
type CorruptionError struct {
	Path    string // Container path
	Block   int64  // Block index, -1 if not applicable
	Message string // Human-readable error message
	Err     error  // Underlying error
}

func (e *CorruptionError) Error() string {
	if e.Block >= 0 {
		return fmt.Sprintf("corruption error: %s (block %d): %s", e.Path, e.Block, e.Message)
	} else if e.Path != "" {
		return fmt.Sprintf("corruption error: %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("corruption error: %s", e.Message)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// AuthenticationError means the supplied key does not belong to the volume
type AuthenticationError struct {
	Path    string // Container path
	Message string // Human-readable error message
	Err     error  // Underlying error
}

func (e *AuthenticationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("authentication error: %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("authentication error: %s", e.Message)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// IntegrityError reports a block whose tag did not verify
type IntegrityError struct {
	Path       string // Container path
	Block      uint64 // Block index
	Generation uint32 // Key generation the block claims
	OnOpen     bool   // Found by the sample authenticated while opening
	Err        error  // Underlying AEAD error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity error: %s (block %d, generation %d): authentication failed", e.Path, e.Block, e.Generation)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

// Is matches ErrIntegrity. A failure on open also matches ErrWrongKey:
// tampered blocks and a wrong key cannot be told apart there.
func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity || (e.OnOpen && target == ErrWrongKey)
}

// RangeError reports a block index beyond the end of the volume
type RangeError struct {
	Index uint64
	Total uint64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("block index %d out of range (total blocks: %d)", e.Index, e.Total)
}

func (e *RangeError) Is(target error) bool {
	return target == ErrOutOfRange
}

// KeyError reports a key store failure for one volume
type KeyError struct {
	Operation  string // "generate", "derive", "rotate", "delete", ...
	VolumeID   string
	Generation uint32
	Err        error
}

func (e *KeyError) Error() string {
	if e.VolumeID == "" {
		return fmt.Sprintf("key error: %s: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("key error: %s %s (generation %d): %v", e.Operation, e.VolumeID, e.Generation, e.Err)
}

func (e *KeyError) Unwrap() error {
	return e.Err
}

// SnapshotError reports a snapshot catalog failure
type SnapshotError struct {
	SnapshotID string
	Message    string
	Err        error
}

func (e *SnapshotError) Error() string {
	if e.SnapshotID != "" {
		return fmt.Sprintf("snapshot error: %s: %s", e.SnapshotID, e.Message)
	}
	return fmt.Sprintf("snapshot error: %s", e.Message)
}

func (e *SnapshotError) Unwrap() error {
	return e.Err
}

// Helper functions for creating structured errors

// NewValidationError creates a new validation error
func NewValidationError(field string, value any, message string) error {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// NewIOError creates a new I/O error
func NewIOError(operation, path string, offset int64, err error) error {
	return &IOError{
		Operation: operation,
		Path:      path,
		Offset:    offset,
		Message:   err.Error(),
		Err:       err,
	}
}

// NewCorruptionError creates a new corruption error
func NewCorruptionError(path string, block int64, message string, err error) error {
	return &CorruptionError{
		Path:    path,
		Block:   block,
		Message: message,
		Err:     err,
	}
}

// newReadOnlyError rejects a mutating operation on a read-only volume
func newReadOnlyError(op, path string) error {
	return &IOError{Operation: op, Path: path, Offset: -1, Message: "volume is opened read-only", Err: ErrReadOnly}
}

// NewAuthenticationError creates a wrong-key error
func NewAuthenticationError(path string, message string) error {
	return &AuthenticationError{
		Path:    path,
		Message: message,
		Err:     ErrWrongKey,
	}
}

func newSnapshotError(id string, sentinel error, format string, args ...any) error {
	return &SnapshotError{
		SnapshotID: id,
		Message:    fmt.Sprintf(format, args...),
		Err:        sentinel,
	}
}

// Error checking helpers

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsIOError checks if an error is an I/O error
func IsIOError(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}

// IsCorruptionError checks if an error is a corruption error
func IsCorruptionError(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// IsAuthenticationError checks if an error is an authentication error
func IsAuthenticationError(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

// IsIntegrityError checks if an error is a block integrity failure
func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// IsKeyError checks if an error came from the key store
func IsKeyError(err error) bool {
	var ke *KeyError
	return errors.As(err, &ke)
}

// IsSnapshotError checks if an error came from the snapshot manager
func IsSnapshotError(err error) bool {
	var se *SnapshotError
	return errors.As(err, &se)
}
