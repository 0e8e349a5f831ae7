package credentials

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/backkem/nodelink/pkg/crypto"
)

// Signer produces the proof for an authentication challenge.
type Signer interface {
	SignChallenge(ctx context.Context, c Challenge) ([]byte, error)
}

// SignerFunc adapts a function to the Signer interface.
type SignerFunc func(ctx context.Context, c Challenge) ([]byte, error)

// SignChallenge calls f.
func (f SignerFunc) SignChallenge(ctx context.Context, c Challenge) ([]byte, error) {
	return f(ctx, c)
}

// KeySigner signs challenges with an in-memory ECDSA P-384 key.
type KeySigner struct {
	key *ecdsa.PrivateKey
}

// NewKeySigner wraps key.
func NewKeySigner(key *ecdsa.PrivateKey) (*KeySigner, error) {
	if key == nil {
		return nil, ErrInvalidPrivateKey
	}
	if key.Curve != elliptic.P384() {
		return nil, ErrUnsupportedKey
	}
	return &KeySigner{key: key}, nil
}

// ParseKeySignerPEM parses a PKCS#8 or SEC1 ("EC PRIVATE KEY") PEM block.
func ParseKeySignerPEM(data []byte) (*KeySigner, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("%w: no private key block", ErrInvalidPrivateKey)
		}
		switch block.Type {
		case "EC PRIVATE KEY":
			key, err := x509.ParseECPrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
			}
			return NewKeySigner(key)
		case "PRIVATE KEY":
			k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
			}
			key, ok := k.(*ecdsa.PrivateKey)
			if !ok {
				return nil, ErrUnsupportedKey
			}
			return NewKeySigner(key)
		}
	}
}

// LoadKeySigner reads a PEM private key file.
func LoadKeySigner(keyFile string) (*KeySigner, error) {
	data, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("credentials: read %s: %w", keyFile, err)
	}
	return ParseKeySignerPEM(data)
}

// PublicKey returns the signer's public key.
func (s *KeySigner) PublicKey() *ecdsa.PublicKey {
	return &s.key.PublicKey
}

// SignChallenge signs ChallengeMessage(c).
func (s *KeySigner) SignChallenge(ctx context.Context, c Challenge) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Algorithm != "" && c.Algorithm != AlgorithmECDSAP384SHA384 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, c.Algorithm)
	}
	return crypto.P384Sign(s.key, ChallengeMessage(c))
}

// MatchesCertificate checks that the signer's key belongs to id.
func (s *KeySigner) MatchesCertificate(id NodeIdentity) error {
	cert, err := id.ParsedCertificate()
	if err != nil {
		return err
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok || !pub.Equal(&s.key.PublicKey) {
		return ErrKeyMismatch
	}
	return nil
}

// EncodePEM returns the key as a PKCS#8 PEM block.
func (s *KeySigner) EncodePEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(s.key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// VerifyChallenge checks proof against the certificate in id.
func VerifyChallenge(id NodeIdentity, c Challenge, proof []byte) error {
	cert, err := id.ParsedCertificate()
	if err != nil {
		return err
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P384() {
		return ErrUnsupportedKey
	}
	if !crypto.P384Verify(pub, ChallengeMessage(c), proof) {
		return ErrInvalidProof
	}
	return nil
}

// GenerateIdentity creates a self-signed P-384 certificate for nodeID and
// the matching signer. Intended for development and tests; production
// certificates are issued by the node operator.
func GenerateIdentity(nodeID string, validFor time.Duration) (NodeIdentity, *KeySigner, error) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return NodeIdentity{}, nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return NodeIdentity{}, nil, err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: nodeID},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return NodeIdentity{}, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return NodeIdentity{}, nil, err
	}
	id, err := IdentityFromCertificate(cert)
	if err != nil {
		return NodeIdentity{}, nil, err
	}
	return id, &KeySigner{key: key}, nil
}

var _ Signer = (*KeySigner)(nil)
var _ Signer = SignerFunc(nil)
