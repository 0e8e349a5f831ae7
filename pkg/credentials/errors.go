package credentials

import "errors"

// Credential errors.
var (
	// ErrInvalidCertificate indicates a malformed certificate.
	ErrInvalidCertificate = errors.New("credentials: invalid certificate")

	// ErrMissingNodeID indicates the certificate subject has no common name.
	ErrMissingNodeID = errors.New("credentials: certificate has no subject common name")

	// ErrInvalidPrivateKey indicates a missing or malformed private key.
	ErrInvalidPrivateKey = errors.New("credentials: invalid private key")

	// ErrUnsupportedKey indicates a key that is not ECDSA P-384.
	ErrUnsupportedKey = errors.New("credentials: key must be ECDSA P-384")

	// ErrUnsupportedAlgorithm indicates a challenge algorithm the signer
	// cannot produce.
	ErrUnsupportedAlgorithm = errors.New("credentials: unsupported challenge algorithm")

	// ErrInvalidProof indicates a challenge proof that does not verify.
	ErrInvalidProof = errors.New("credentials: invalid challenge proof")

	// ErrKeyMismatch indicates a private key that does not match the
	// certificate's public key.
	ErrKeyMismatch = errors.New("credentials: private key does not match certificate")
)
