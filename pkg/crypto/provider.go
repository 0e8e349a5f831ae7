package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// NonceSize is the size of the handshake nonces exchanged in Phase 1.
const NonceSize = 32

// channelKeyInfo prefixes the HKDF info string for channel keys.
var channelKeyInfo = []byte("nodelink/channel/v1|")

// ErrNonceTooShort is returned when a handshake nonce is shorter than NonceSize.
var ErrNonceTooShort = errors.New("crypto: handshake nonce too short")

// Provider is the set of cryptographic operations used to establish and use
// a channel. Implementations must be safe for concurrent use.
type Provider interface {
	// GenerateEphemeralKeyPair returns a fresh P-384 key pair.
	GenerateEphemeralKeyPair() (*KeyPair, error)

	// RandomNonce returns NonceSize random bytes.
	RandomNonce() ([]byte, error)

	// DeriveSymmetricKey derives the channel key from both key shares and
	// both nonces.
	DeriveSymmetricKey(params DeriveParams) (*SymmetricKey, error)

	// ExportSymmetricKey returns the portable form of key.
	ExportSymmetricKey(key *SymmetricKey) (ExportedKey, error)

	// ImportSymmetricKey rebuilds a key handle from its portable form.
	ImportSymmetricKey(exported ExportedKey) (*SymmetricKey, error)

	// Encrypt seals plaintext under key, bound to aad.
	Encrypt(key *SymmetricKey, plaintext, aad []byte) ([]byte, error)

	// Decrypt opens a ciphertext produced by Encrypt.
	Decrypt(key *SymmetricKey, ciphertext, aad []byte) ([]byte, error)
}

// DeriveParams are the inputs of DeriveSymmetricKey.
type DeriveParams struct {
	PrivateKey    *KeyPair
	PeerPublicKey []byte
	SelfNonce     []byte
	PeerNonce     []byte
	Cipher        CipherSuite
}

// DeriveSymmetricKey derives a channel key.
//
//	IKM  = ECDH(PrivateKey, PeerPublicKey)
//	salt = min(SelfNonce, PeerNonce) || max(SelfNonce, PeerNonce)
//	info = "nodelink/channel/v1|" || Cipher || "|" || min(pubA, pubB) || max(pubA, pubB)
//	key  = HKDF-SHA384(IKM, salt, info, 32)
//
// Both inputs pairs are ordered bytewise, so either party computes the same
// key with its own private key and nonce.
func DeriveSymmetricKey(params DeriveParams) (*SymmetricKey, error) {
	if params.PrivateKey == nil {
		return nil, ErrInvalidPrivateKey
	}
	if len(params.SelfNonce) < NonceSize || len(params.PeerNonce) < NonceSize {
		return nil, ErrNonceTooShort
	}
	suite := params.Cipher
	if suite == "" {
		suite = CipherAES256GCM
	}
	if !suite.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCipher, suite)
	}

	secret, err := params.PrivateKey.ECDH(params.PeerPublicKey)
	if err != nil {
		return nil, err
	}
	defer Zeroize(secret)

	lo, hi := ordered(params.SelfNonce, params.PeerNonce)
	salt := make([]byte, 0, len(lo)+len(hi))
	salt = append(salt, lo...)
	salt = append(salt, hi...)

	pubLo, pubHi := ordered(params.PrivateKey.public, params.PeerPublicKey)
	info := make([]byte, 0, len(channelKeyInfo)+len(suite)+1+2*P384PublicKeySizeBytes)
	info = append(info, channelKeyInfo...)
	info = append(info, suite...)
	info = append(info, '|')
	info = append(info, pubLo...)
	info = append(info, pubHi...)

	material, err := HKDFSHA384(secret, salt, info, SymmetricKeySize)
	if err != nil {
		return nil, err
	}
	defer Zeroize(material)

	return NewSymmetricKey(suite, material)
}

func ordered(a, b []byte) ([]byte, []byte) {
	if bytes.Compare(a, b) <= 0 {
		return a, b
	}
	return b, a
}

// DefaultProvider implements Provider with the primitives in this package.
type DefaultProvider struct {
	rand io.Reader
}

// NewProvider returns a DefaultProvider reading randomness from crypto/rand.
func NewProvider() *DefaultProvider {
	return &DefaultProvider{rand: rand.Reader}
}

// NewProviderWithRand returns a DefaultProvider reading randomness from r.
// Intended for deterministic tests.
func NewProviderWithRand(r io.Reader) *DefaultProvider {
	return &DefaultProvider{rand: r}
}

func (p *DefaultProvider) GenerateEphemeralKeyPair() (*KeyPair, error) {
	return GenerateKeyPair(p.rand)
}

func (p *DefaultProvider) RandomNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(p.rand, nonce); err != nil {
		return nil, fmt.Errorf("nonce generation failed: %w", err)
	}
	return nonce, nil
}

func (p *DefaultProvider) DeriveSymmetricKey(params DeriveParams) (*SymmetricKey, error) {
	return DeriveSymmetricKey(params)
}

func (p *DefaultProvider) ExportSymmetricKey(key *SymmetricKey) (ExportedKey, error) {
	if key == nil {
		return ExportedKey{}, ErrKeyZeroized
	}
	return key.Export()
}

func (p *DefaultProvider) ImportSymmetricKey(exported ExportedKey) (*SymmetricKey, error) {
	return NewSymmetricKey(exported.Algorithm, exported.Material)
}

func (p *DefaultProvider) Encrypt(key *SymmetricKey, plaintext, aad []byte) ([]byte, error) {
	if key == nil {
		return nil, ErrKeyZeroized
	}
	return key.Seal(p.rand, plaintext, aad)
}

func (p *DefaultProvider) Decrypt(key *SymmetricKey, ciphertext, aad []byte) ([]byte, error) {
	if key == nil {
		return nil, ErrKeyZeroized
	}
	return key.Open(ciphertext, aad)
}

var _ Provider = (*DefaultProvider)(nil)
