// Package crypto provides the cryptographic operations behind a nodelink
// channel: ephemeral P-384 key agreement, nonce-bound key derivation,
// portable symmetric keys and authenticated encryption.
//
// The Provider interface is what the channel establisher and the middleware
// depend on. DefaultProvider implements it on top of crypto/ecdh,
// golang.org/x/crypto/hkdf and golang.org/x/crypto/chacha20poly1305.
package crypto

import (
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"runtime"
)

// Hash output sizes.
const (
	// SHA256LenBytes is the SHA-256 output length in bytes.
	SHA256LenBytes = sha256.Size

	// SHA384LenBytes is the SHA-384 output length in bytes.
	SHA384LenBytes = sha512.Size384
)

// SHA256 computes the SHA-256 digest of message.
func SHA256(message []byte) [SHA256LenBytes]byte {
	return sha256.Sum256(message)
}

// SHA384 computes the SHA-384 digest of message.
// SHA-384 is paired with P-384 everywhere in this package.
func SHA384(message []byte) [SHA384LenBytes]byte {
	return sha512.Sum384(message)
}

// NewSHA384 returns a new hash.Hash computing SHA-384 incrementally.
func NewSHA384() hash.Hash {
	return sha512.New384()
}

// Zeroize overwrites b with zeros. Best-effort; the runtime may have copied
// the slice elsewhere.
//
//go:noinline
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(&b)
}
