package session

import "errors"

// Session package errors.
var (
	// ErrSignerRequired is returned before any network call when no
	// challenge signer is configured.
	ErrSignerRequired = errors.New("session: challenge signer required")

	// ErrIdentityRequired is returned before any network call when the node
	// identity has no node id or no certificate.
	ErrIdentityRequired = errors.New("session: node identity required")

	// ErrChannelRequired is returned when Establish is called without a
	// valid channel.
	ErrChannelRequired = errors.New("session: valid channel required")

	// ErrMissingChallenge is returned when the identify response carries no
	// challenge or challenge id.
	ErrMissingChallenge = errors.New("session: missing challenge")

	// ErrMissingSessionToken is returned when the authenticate response
	// carries no session token.
	ErrMissingSessionToken = errors.New("session: missing session token")

	// ErrInvalidExpiry is returned when the authenticate response carries an
	// unparseable expiresAt.
	ErrInvalidExpiry = errors.New("session: invalid expiry")

	// ErrSigningFailed wraps errors returned by the challenge signer.
	ErrSigningFailed = errors.New("session: challenge signing failed")

	// ErrMalformedResponse is returned when a decrypted response is not
	// valid JSON.
	ErrMalformedResponse = errors.New("session: malformed response")

	// ErrCorruptRecord is returned by Restore for records missing the
	// token, channel id or expiry.
	ErrCorruptRecord = errors.New("session: corrupt record")

	// ErrExpired is returned by Restore for a record past its expiry.
	ErrExpired = errors.New("session: expired")

	ErrNoTransport = errors.New("session: transport required")
)
