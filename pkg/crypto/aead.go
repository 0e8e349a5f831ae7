package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// SymmetricKeySize is the length of every channel key (256 bits).
const SymmetricKeySize = 32

// CipherSuite names an AEAD construction usable for a channel.
type CipherSuite string

const (
	// CipherAES256GCM is AES-256 in Galois/Counter Mode.
	CipherAES256GCM CipherSuite = "AES-256-GCM"

	// CipherChaCha20Poly1305 is ChaCha20-Poly1305 (RFC 8439).
	CipherChaCha20Poly1305 CipherSuite = "CHACHA20-POLY1305"
)

// SupportedCiphers lists the suites this package implements, most preferred
// first.
var SupportedCiphers = []CipherSuite{CipherAES256GCM, CipherChaCha20Poly1305}

// IsValid returns true if the suite is implemented.
func (c CipherSuite) IsValid() bool {
	return c == CipherAES256GCM || c == CipherChaCha20Poly1305
}

// String returns the wire name of the suite.
func (c CipherSuite) String() string {
	return string(c)
}

// AEAD errors.
var (
	ErrUnsupportedCipher  = errors.New("crypto: unsupported cipher suite")
	ErrInvalidKeySize     = errors.New("crypto: invalid symmetric key size")
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")

	// ErrDecryptionFailed is returned when authentication of a ciphertext
	// fails. A key that produced this error must not be trusted further.
	ErrDecryptionFailed = errors.New("crypto: decryption failed")

	ErrKeyZeroized = errors.New("crypto: symmetric key zeroized")
)

// ExportedKey is the portable form of a SymmetricKey, safe to persist.
type ExportedKey struct {
	Algorithm CipherSuite
	Material  []byte
}

// SymmetricKey is the in-memory handle for a channel key.
// It is immutable until Zeroize; rotation means creating a new key.
// SymmetricKey is safe for concurrent use, and Zeroize waits for
// in-progress Seal and Open calls.
type SymmetricKey struct {
	suite CipherSuite

	mu       sync.RWMutex
	material []byte
	aead     cipher.AEAD
}

// NewSymmetricKey builds a key handle from raw key material.
// The material is copied.
func NewSymmetricKey(suite CipherSuite, material []byte) (*SymmetricKey, error) {
	if len(material) != SymmetricKeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeySize, len(material), SymmetricKeySize)
	}

	buf := make([]byte, SymmetricKeySize)
	copy(buf, material)

	var aead cipher.AEAD
	switch suite {
	case CipherAES256GCM:
		block, err := aes.NewCipher(buf)
		if err != nil {
			return nil, fmt.Errorf("AES key error: %w", err)
		}
		aead, err = cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("GCM error: %w", err)
		}
	case CipherChaCha20Poly1305:
		var err error
		aead, err = chacha20poly1305.New(buf)
		if err != nil {
			return nil, fmt.Errorf("chacha20poly1305 error: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCipher, suite)
	}

	return &SymmetricKey{suite: suite, material: buf, aead: aead}, nil
}

// Suite returns the key's cipher suite.
func (k *SymmetricKey) Suite() CipherSuite {
	return k.suite
}

// Export returns the portable form of the key.
func (k *SymmetricKey) Export() (ExportedKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.aead == nil {
		return ExportedKey{}, ErrKeyZeroized
	}
	material := make([]byte, len(k.material))
	copy(material, k.material)
	return ExportedKey{Algorithm: k.suite, Material: material}, nil
}

// Seal encrypts plaintext bound to aad.
// Output format: nonce || ciphertext || tag.
func (k *SymmetricKey) Seal(r io.Reader, plaintext, aad []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	aead := k.aead
	if aead == nil {
		return nil, ErrKeyZeroized
	}
	if r == nil {
		r = rand.Reader
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(r, nonce); err != nil {
		return nil, fmt.Errorf("nonce generation failed: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open authenticates and decrypts a Seal output bound to aad.
// Any tampering yields ErrDecryptionFailed.
func (k *SymmetricKey) Open(ciphertext, aad []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	aead := k.aead
	if aead == nil {
		return nil, ErrKeyZeroized
	}
	ns := aead.NonceSize()
	if len(ciphertext) < ns+aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	plaintext, err := aead.Open(nil, ciphertext[:ns], ciphertext[ns:], aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Zeroize wipes the key material and disables the handle.
func (k *SymmetricKey) Zeroize() {
	k.mu.Lock()
	defer k.mu.Unlock()
	Zeroize(k.material)
	k.aead = nil
}
