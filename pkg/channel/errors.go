package channel

import "errors"

// Channel errors.
var (
	// ErrMissingChannelID is returned when the open response carries no
	// X-Channel-Id header.
	ErrMissingChannelID = errors.New("channel: missing channel id")

	// ErrMissingPeerPublicKey is returned when the open response carries no
	// ephemeral public key.
	ErrMissingPeerPublicKey = errors.New("channel: missing peer public key")

	// ErrMissingPeerNonce is returned when the open response carries no
	// nonce.
	ErrMissingPeerNonce = errors.New("channel: missing peer nonce")

	// ErrUnsupportedCipher is returned when the node picks a cipher suite
	// that was not offered.
	ErrUnsupportedCipher = errors.New("channel: unsupported cipher")

	// ErrMalformedResponse is returned when the open response body is not
	// valid.
	ErrMalformedResponse = errors.New("channel: malformed response")

	// ErrMissingKeyMaterial is returned by Restore for a record without a
	// key. Such a record is corrupt and must be discarded.
	ErrMissingKeyMaterial = errors.New("channel: record has no key material")

	// ErrExpired is returned by Restore for a record past its expiry.
	ErrExpired = errors.New("channel: expired")

	// ErrMalformedEnvelope is returned when an encrypted body is not a
	// valid envelope.
	ErrMalformedEnvelope = errors.New("channel: malformed envelope")

	// ErrDiscarded is returned when a discarded channel is used.
	ErrDiscarded = errors.New("channel: discarded")

	ErrNoTransport = errors.New("channel: transport required")
	ErrNoProvider  = errors.New("channel: crypto provider required")
)
