// Package storage persists channel and session records between runs.
//
// Records are stored under caller-configured keys so that several
// middleware instances, each talking to a different node, can share one
// store without colliding.
package storage

import "errors"

// Storage errors.
var (
	// ErrNotFound is returned when no record exists under the key.
	ErrNotFound = errors.New("storage: record not found")

	// ErrCorruptRecord is returned when a stored record cannot be decoded
	// or is missing required fields.
	ErrCorruptRecord = errors.New("storage: corrupt record")

	ErrClosed = errors.New("storage: closed")
)

// Storage abstracts persistence of the channel and session records.
//
// Every Save replaces the whole record. Implementations must be safe for
// concurrent use, and a Load must never observe a partially written record.
type Storage interface {
	LoadChannel(key string) (*ChannelRecord, error)
	SaveChannel(key string, record *ChannelRecord) error
	DeleteChannel(key string) error

	LoadSession(key string) (*SessionRecord, error)
	SaveSession(key string, record *SessionRecord) error
	DeleteSession(key string) error
}

// Default record keys.
const (
	DefaultChannelKey = "nodelink.channel"
	DefaultSessionKey = "nodelink.session"
)

// Keys names the records a middleware instance owns.
type Keys struct {
	Channel string
	Session string
}

// DefaultKeys returns the keys used when none are configured.
func DefaultKeys() Keys {
	return Keys{Channel: DefaultChannelKey, Session: DefaultSessionKey}
}

// KeysFor returns keys scoped to namespace, typically a node name or base
// URL. An empty namespace yields DefaultKeys.
func KeysFor(namespace string) Keys {
	if namespace == "" {
		return DefaultKeys()
	}
	return Keys{
		Channel: DefaultChannelKey + "/" + namespace,
		Session: DefaultSessionKey + "/" + namespace,
	}
}

// Validate reports whether both keys are set and distinct.
func (k Keys) Validate() error {
	if k.Channel == "" || k.Session == "" {
		return errors.New("storage: channel and session keys must be set")
	}
	if k.Channel == k.Session {
		return errors.New("storage: channel and session keys must differ")
	}
	return nil
}
