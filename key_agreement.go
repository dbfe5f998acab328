package cryptvol

import (
	"crypto/mlkem"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeyAgreement is a key encapsulation mechanism that produces root secrets.
// The algorithm is a parameter of the KeyStore deployment, not of the
// volume format: volumes only ever see the derived storage keys.
type KeyAgreement interface {
	// Name identifies the mechanism in logs and configuration
	Name() string

	// GenerateKeyPair creates a static key pair
	GenerateKeyPair(rand io.Reader) (public, private []byte, err error)

	// Encapsulate produces a ciphertext for public and the shared secret
	Encapsulate(rand io.Reader, public []byte) (ciphertext, shared []byte, err error)

	// Decapsulate recovers the shared secret from a ciphertext
	Decapsulate(private, ciphertext []byte) (shared []byte, err error)
}

const (
	x25519Info = "cryptvol/kem/x25519/v1"
	hybridInfo = "cryptvol/kem/x25519-mlkem768/v1"

	x25519KeySize = curve25519.ScalarSize
)

// X25519Agreement is a DH-based KEM over Curve25519
type X25519Agreement struct{}

// Name returns "x25519"
func (X25519Agreement) Name() string { return "x25519" }

// GenerateKeyPair creates a Curve25519 key pair
func (X25519Agreement) GenerateKeyPair(rand io.Reader) ([]byte, []byte, error) {
	priv := make([]byte, x25519KeySize)
	if _, err := io.ReadFull(rand, priv); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}
	return pub, priv, nil
}

// Encapsulate runs an ephemeral DH against public
func (a X25519Agreement) Encapsulate(rand io.Reader, public []byte) ([]byte, []byte, error) {
	if len(public) != x25519KeySize {
		return nil, nil, NewValidationError("public", len(public), "x25519 public key must be 32 bytes")
	}
	ephPub, ephPriv, err := a.GenerateKeyPair(rand)
	if err != nil {
		return nil, nil, err
	}
	defer memguard.WipeBytes(ephPriv)

	dh, err := curve25519.X25519(ephPriv, public)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}
	defer memguard.WipeBytes(dh)

	shared, err := combineSecrets(x25519Info, [][]byte{dh}, ephPub, public)
	if err != nil {
		return nil, nil, err
	}
	return ephPub, shared, nil
}

// Decapsulate recomputes the DH from the static private key
func (X25519Agreement) Decapsulate(private, ciphertext []byte) ([]byte, error) {
	if len(private) != x25519KeySize {
		return nil, NewValidationError("private", len(private), "x25519 private key must be 32 bytes")
	}
	if len(ciphertext) != x25519KeySize {
		return nil, NewValidationError("ciphertext", len(ciphertext), "x25519 ciphertext must be 32 bytes")
	}
	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	dh, err := curve25519.X25519(private, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	defer memguard.WipeBytes(dh)

	return combineSecrets(x25519Info, [][]byte{dh}, ciphertext, public)
}

// HybridAgreement combines X25519 with ML-KEM-768. The shared secret stays
// confidential as long as either component is unbroken.
type HybridAgreement struct{}

// Name returns "x25519-mlkem768"
func (HybridAgreement) Name() string { return "x25519-mlkem768" }

// GenerateKeyPair returns public = x25519 || mlkem encapsulation key and
// private = x25519 || mlkem seed
func (HybridAgreement) GenerateKeyPair(rand io.Reader) ([]byte, []byte, error) {
	xPub, xPriv, err := X25519Agreement{}.GenerateKeyPair(rand)
	if err != nil {
		return nil, nil, err
	}
	defer memguard.WipeBytes(xPriv)

	seed := make([]byte, mlkem.SeedSize)
	defer memguard.WipeBytes(seed)
	if _, err := io.ReadFull(rand, seed); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}
	dk, err := mlkem.NewDecapsulationKey768(seed)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}

	pub := append(xPub, dk.EncapsulationKey().Bytes()...)
	priv := append(append(make([]byte, 0, x25519KeySize+mlkem.SeedSize), xPriv...), seed...)
	return pub, priv, nil
}

// Encapsulate returns ciphertext = x25519 ephemeral || mlkem ciphertext
func (HybridAgreement) Encapsulate(rand io.Reader, public []byte) ([]byte, []byte, error) {
	if len(public) != x25519KeySize+mlkem.EncapsulationKeySize768 {
		return nil, nil, NewValidationError("public", len(public), "malformed hybrid public key")
	}
	ek, err := mlkem.NewEncapsulationKey768(public[x25519KeySize:])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	ephPub, ephPriv, err := X25519Agreement{}.GenerateKeyPair(rand)
	if err != nil {
		return nil, nil, err
	}
	defer memguard.WipeBytes(ephPriv)
	dh, err := curve25519.X25519(ephPriv, public[:x25519KeySize])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}
	defer memguard.WipeBytes(dh)

	kemShared, kemCT := ek.Encapsulate()
	defer memguard.WipeBytes(kemShared)

	ct := append(ephPub, kemCT...)
	shared, err := combineSecrets(hybridInfo, [][]byte{dh, kemShared}, ct, public)
	if err != nil {
		return nil, nil, err
	}
	return ct, shared, nil
}

// Decapsulate recovers both component secrets and combines them
func (HybridAgreement) Decapsulate(private, ciphertext []byte) ([]byte, error) {
	if len(private) != x25519KeySize+mlkem.SeedSize {
		return nil, NewValidationError("private", len(private), "malformed hybrid private key")
	}
	if len(ciphertext) != x25519KeySize+mlkem.CiphertextSize768 {
		return nil, NewValidationError("ciphertext", len(ciphertext), "malformed hybrid ciphertext")
	}

	dk, err := mlkem.NewDecapsulationKey768(private[x25519KeySize:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	kemShared, err := dk.Decapsulate(ciphertext[x25519KeySize:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	defer memguard.WipeBytes(kemShared)

	xPriv := private[:x25519KeySize]
	xPub, err := curve25519.X25519(xPriv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	dh, err := curve25519.X25519(xPriv, ciphertext[:x25519KeySize])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	defer memguard.WipeBytes(dh)

	public := append(xPub, dk.EncapsulationKey().Bytes()...)
	return combineSecrets(hybridInfo, [][]byte{dh, kemShared}, ciphertext, public)
}

// combineSecrets binds the component secrets to the transcript
func combineSecrets(label string, secrets [][]byte, ciphertext, public []byte) ([]byte, error) {
	var ikm []byte
	for _, s := range secrets {
		ikm = append(ikm, s...)
	}
	defer memguard.WipeBytes(ikm)

	info := make([]byte, 0, len(label)+len(ciphertext)+len(public))
	info = append(info, label...)
	info = append(info, ciphertext...)
	info = append(info, public...)

	out := make([]byte, MinRootSecretSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, nil, info), out); err != nil {
		return nil, fmt.Errorf("failed to combine shared secrets: %w", err)
	}
	return out, nil
}

// EstablishRootSecret encapsulates a new root secret to a static public
// key. The ciphertext is persisted; the holder of the private key recovers
// the same root with an AgreementRootProvider.
func EstablishRootSecret(ka KeyAgreement, rand io.Reader, public []byte) (ciphertext, root []byte, err error) {
	if ka == nil {
		return nil, nil, NewValidationError("agreement", nil, "key agreement cannot be nil")
	}
	return ka.Encapsulate(rand, public)
}

// AgreementRootProvider recovers a root secret by decapsulation
type AgreementRootProvider struct {
	agreement  KeyAgreement
	private    []byte
	ciphertext []byte
}

// NewAgreementRootProvider creates a provider for a persisted ciphertext
func NewAgreementRootProvider(ka KeyAgreement, private, ciphertext []byte) *AgreementRootProvider {
	return &AgreementRootProvider{agreement: ka, private: private, ciphertext: ciphertext}
}

// RootSecret decapsulates the stored ciphertext
func (p *AgreementRootProvider) RootSecret() ([]byte, error) {
	if p.agreement == nil {
		return nil, NewValidationError("agreement", nil, "key agreement cannot be nil")
	}
	return p.agreement.Decapsulate(p.private, p.ciphertext)
}
