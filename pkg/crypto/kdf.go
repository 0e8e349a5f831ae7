package crypto

import (
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF derives length bytes of key material with HKDF (RFC 5869) over the
// given hash constructor.
//
// Parameters:
//   - newHash: hash constructor (e.g. sha256.New)
//   - inputKey: input keying material (IKM)
//   - salt: optional salt (nil means HashLen zero bytes)
//   - info: optional context string
//   - length: number of output bytes
func HKDF(newHash func() hash.Hash, inputKey, salt, info []byte, length int) ([]byte, error) {
	reader := hkdf.New(newHash, inputKey, salt, info)
	result := make([]byte, length)
	if _, err := io.ReadFull(reader, result); err != nil {
		return nil, err
	}
	return result, nil
}

// HKDFSHA384 derives key material using HKDF-SHA384.
// This is the KDF used for channel keys.
func HKDFSHA384(inputKey, salt, info []byte, length int) ([]byte, error) {
	return HKDF(NewSHA384, inputKey, salt, info, length)
}
