package middleware

import (
	"context"
	"errors"
	"fmt"

	"github.com/backkem/nodelink/pkg/channel"
	"github.com/backkem/nodelink/pkg/crypto"
	"github.com/backkem/nodelink/pkg/session"
	"github.com/backkem/nodelink/pkg/storage"
	"github.com/backkem/nodelink/pkg/transport"
)

// Middleware errors.
var (
	// ErrMissingDependencies is wrapped by the KindConfig error returned
	// when storage, transport, provider, identity or signer is missing.
	ErrMissingDependencies = errors.New("nodelink: missing dependencies")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("nodelink: closed")

	// ErrSuperseded is returned to callers of a handshake whose result was
	// thrown away because Reset or RevokeSession ran while it was in
	// flight.
	ErrSuperseded = errors.New("nodelink: handshake superseded by reset")

	errNegativeSkew = errors.New("nodelink: expiry skew must not be negative")
)

// Kind classifies an Error.
type Kind int

const (
	// KindUnknown is returned by KindOf for errors not produced here.
	KindUnknown Kind = iota

	// KindConfig is a missing dependency or capability. Never retried;
	// the caller must fix its configuration.
	KindConfig

	// KindProtocol is a malformed or incomplete node response. Fatal for
	// the attempt; the next call starts the handshake from scratch.
	KindProtocol

	// KindTransport is a network failure, timeout or unexpected status.
	KindTransport

	// KindCrypto is a decryption or authentication failure. The channel
	// has been discarded.
	KindCrypto

	// KindUnauthenticated is a 401 or 403 from the node. The session has
	// been cleared.
	KindUnauthenticated

	// KindStorage is a failure to read or write persisted state.
	KindStorage
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindProtocol:
		return "protocol"
	case KindTransport:
		return "transport"
	case KindCrypto:
		return "crypto"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by Middleware operations.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("nodelink: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsUnauthenticated reports whether the node rejected the session.
func IsUnauthenticated(err error) bool {
	return KindOf(err) == KindUnauthenticated
}

// IsRetryable reports whether repeating the operation may succeed without
// a configuration change. Transient transport failures qualify. So do
// protocol failures, which restart the handshake, and unauthenticated
// failures, after which the session is cleared and the next call
// authenticates again.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransport:
		return transport.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded)
	case KindProtocol, KindUnauthenticated:
		return true
	default:
		return false
	}
}

// classify maps errors from the lower packages onto the taxonomy.
func classify(op string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}

	var se *transport.StatusError
	switch {
	case errors.Is(err, session.ErrSignerRequired),
		errors.Is(err, session.ErrIdentityRequired),
		errors.Is(err, ErrMissingDependencies),
		errors.Is(err, ErrClosed):
		return newError(KindConfig, op, err)

	case errors.Is(err, crypto.ErrDecryptionFailed),
		errors.Is(err, crypto.ErrCiphertextTooShort),
		errors.Is(err, crypto.ErrKeyZeroized),
		errors.Is(err, channel.ErrDiscarded):
		return newError(KindCrypto, op, err)

	case errors.As(err, &se):
		if se.Unauthorized() {
			return newError(KindUnauthenticated, op, err)
		}
		return newError(KindTransport, op, err)

	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return newError(KindTransport, op, err)
	}

	var te *transport.Error
	if errors.As(err, &te) {
		return newError(KindTransport, op, err)
	}
	if errors.Is(err, storage.ErrClosed) {
		return newError(KindStorage, op, err)
	}
	return newError(KindProtocol, op, err)
}
