// Package credentials holds the node identity presented during session
// establishment and the capability that signs authentication challenges.
//
// The middleware never owns identity private keys. It is handed a Signer,
// which may be backed by a file (KeySigner) or by a hardware keystore.
package credentials

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
)

// NodeIdentity is the public identity material sent in the identify phase.
type NodeIdentity struct {
	// NodeID is the certificate subject common name.
	NodeID string

	// Certificate is the DER-encoded X.509 certificate.
	Certificate []byte

	// Fingerprint is the lowercase hex SHA-256 of Certificate.
	Fingerprint string
}

// IsZero returns true if the identity carries no node id or no certificate.
func (id NodeIdentity) IsZero() bool {
	return id.NodeID == "" || len(id.Certificate) == 0
}

// ParsedCertificate parses Certificate.
func (id NodeIdentity) ParsedCertificate() (*x509.Certificate, error) {
	cert, err := x509.ParseCertificate(id.Certificate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	return cert, nil
}

// Fingerprint returns the lowercase hex SHA-256 of der.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// IdentityFromCertificate builds a NodeIdentity from a parsed certificate.
func IdentityFromCertificate(cert *x509.Certificate) (NodeIdentity, error) {
	if cert == nil || len(cert.Raw) == 0 {
		return NodeIdentity{}, ErrInvalidCertificate
	}
	if cert.Subject.CommonName == "" {
		return NodeIdentity{}, ErrMissingNodeID
	}
	der := append([]byte(nil), cert.Raw...)
	return NodeIdentity{
		NodeID:      cert.Subject.CommonName,
		Certificate: der,
		Fingerprint: Fingerprint(der),
	}, nil
}

// ParseIdentityPEM builds a NodeIdentity from the first CERTIFICATE block
// in data.
func ParseIdentityPEM(data []byte) (NodeIdentity, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return NodeIdentity{}, fmt.Errorf("%w: no CERTIFICATE block", ErrInvalidCertificate)
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return NodeIdentity{}, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
		}
		return IdentityFromCertificate(cert)
	}
}

// LoadIdentity reads a PEM certificate file.
func LoadIdentity(certFile string) (NodeIdentity, error) {
	data, err := os.ReadFile(certFile)
	if err != nil {
		return NodeIdentity{}, fmt.Errorf("credentials: read %s: %w", certFile, err)
	}
	return ParseIdentityPEM(data)
}

// EncodeCertificatePEM returns der as a PEM CERTIFICATE block.
func EncodeCertificatePEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
