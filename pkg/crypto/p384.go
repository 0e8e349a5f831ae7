package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// P-384 constants.
const (
	// P384GroupSizeBytes is the scalar size in bytes.
	P384GroupSizeBytes = 48

	// P384PublicKeySizeBytes is the uncompressed public key size.
	// Format: 0x04 || X (48 bytes) || Y (48 bytes) = 97 bytes
	P384PublicKeySizeBytes = 97

	// P384SharedSecretSizeBytes is the ECDH output size (x-coordinate).
	P384SharedSecretSizeBytes = 48
)

// KeyExchangeAlgorithm names the key agreement advertised to the peer.
const KeyExchangeAlgorithm = "ECDH-P384-HKDF-SHA384"

// Key agreement errors.
var (
	ErrInvalidPublicKey  = errors.New("crypto: invalid P-384 public key")
	ErrInvalidPrivateKey = errors.New("crypto: invalid P-384 private key")
	ErrKeyPairConsumed   = errors.New("crypto: ephemeral key pair already zeroized")
)

// KeyPair is an ephemeral P-384 ECDH key pair.
//
// Ephemeral key pairs are never persisted; call Zeroize once the shared
// secret has been derived.
type KeyPair struct {
	private *ecdh.PrivateKey
	public  []byte
}

// GenerateKeyPair generates a new P-384 key pair from r.
// If r is nil, crypto/rand is used.
func GenerateKeyPair(r io.Reader) (*KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	priv, err := ecdh.P384().GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDH key: %w", err)
	}
	return &KeyPair{private: priv, public: priv.PublicKey().Bytes()}, nil
}

// KeyPairFromPrivateKey creates a key pair from a 48-byte private scalar.
func KeyPairFromPrivateKey(privateKey []byte) (*KeyPair, error) {
	if len(privateKey) != P384GroupSizeBytes {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidPrivateKey, P384GroupSizeBytes, len(privateKey))
	}
	priv, err := ecdh.P384().NewPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return &KeyPair{private: priv, public: priv.PublicKey().Bytes()}, nil
}

// PublicKey returns the uncompressed public key (97 bytes).
func (kp *KeyPair) PublicKey() []byte {
	out := make([]byte, len(kp.public))
	copy(out, kp.public)
	return out
}

// ECDH computes the shared secret between kp and the peer's uncompressed
// public key. Returns the 48-byte x-coordinate of the shared point.
func (kp *KeyPair) ECDH(peerPublicKey []byte) ([]byte, error) {
	if kp.private == nil {
		return nil, ErrKeyPairConsumed
	}
	peer, err := ParsePublicKey(peerPublicKey)
	if err != nil {
		return nil, err
	}
	secret, err := kp.private.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("ECDH computation failed: %w", err)
	}
	return secret, nil
}

// Zeroize drops the private scalar. The key pair cannot be used afterwards.
func (kp *KeyPair) Zeroize() {
	kp.private = nil
}

// ParsePublicKey validates an uncompressed P-384 point and returns it as an
// ecdh public key. Points not on the curve are rejected.
func ParsePublicKey(publicKey []byte) (*ecdh.PublicKey, error) {
	if len(publicKey) != P384PublicKeySizeBytes {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidPublicKey, P384PublicKeySizeBytes, len(publicKey))
	}
	if publicKey[0] != 0x04 {
		return nil, fmt.Errorf("%w: must be uncompressed (0x04 prefix)", ErrInvalidPublicKey)
	}
	pub, err := ecdh.P384().NewPublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return pub, nil
}

// P384Sign signs message with ECDSA over SHA-384 and returns an ASN.1 DER
// signature.
func P384Sign(key *ecdsa.PrivateKey, message []byte) ([]byte, error) {
	if key == nil {
		return nil, ErrInvalidPrivateKey
	}
	digest := SHA384(message)
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("ECDSA sign failed: %w", err)
	}
	return sig, nil
}

// P384Verify verifies an ASN.1 ECDSA signature over SHA-384(message).
func P384Verify(key *ecdsa.PublicKey, message, signature []byte) bool {
	if key == nil {
		return false
	}
	digest := SHA384(message)
	return ecdsa.VerifyASN1(key, digest[:], signature)
}
