package storage

import (
	"encoding/base64"
	"fmt"
	"time"
)

// ChannelRecord is the persisted form of an established channel.
//
// KeyMaterial is the exported symmetric key; the ephemeral ECDH private key
// is never part of the record.
type ChannelRecord struct {
	ChannelID    string `cbor:"1,keyasint" json:"channelId"`
	KeyAlgorithm string `cbor:"2,keyasint" json:"keyAlgorithm"`
	KeyMaterial  []byte `cbor:"3,keyasint" json:"-"`

	// ExpiresAt is an RFC 3339 timestamp.
	ExpiresAt string `cbor:"4,keyasint" json:"expiresAt"`

	// ServerPublicKey is the node's ephemeral public key, base64 encoded.
	ServerPublicKey string `cbor:"5,keyasint,omitempty" json:"serverPublicKey,omitempty"`

	Cipher    string `cbor:"6,keyasint,omitempty" json:"cipher,omitempty"`
	CreatedAt string `cbor:"7,keyasint,omitempty" json:"createdAt,omitempty"`
}

// Validate checks that the record carries everything needed to rebuild a
// usable channel.
func (r *ChannelRecord) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil channel record", ErrCorruptRecord)
	}
	if r.ChannelID == "" {
		return fmt.Errorf("%w: channel record has no channel id", ErrCorruptRecord)
	}
	if len(r.KeyMaterial) == 0 {
		return fmt.Errorf("%w: channel record has no key material", ErrCorruptRecord)
	}
	if r.ServerPublicKey != "" {
		if _, err := base64.StdEncoding.DecodeString(r.ServerPublicKey); err != nil {
			return fmt.Errorf("%w: server public key: %v", ErrCorruptRecord, err)
		}
	}
	if _, err := r.Expiry(); err != nil {
		return err
	}
	return nil
}

// Expiry parses ExpiresAt.
func (r *ChannelRecord) Expiry() (time.Time, error) {
	return parseExpiry(r.ExpiresAt)
}

// Clone returns a deep copy of the record.
func (r *ChannelRecord) Clone() *ChannelRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.KeyMaterial != nil {
		c.KeyMaterial = append([]byte(nil), r.KeyMaterial...)
	}
	return &c
}

// SessionRecord is the persisted form of an authenticated session.
type SessionRecord struct {
	SessionID string `cbor:"1,keyasint" json:"sessionId"`
	Token     string `cbor:"2,keyasint" json:"-"`

	// ExpiresAt is an RFC 3339 timestamp.
	ExpiresAt string `cbor:"3,keyasint" json:"expiresAt"`

	// NodeIdentity is the identity the node reported after authentication.
	NodeIdentity string `cbor:"4,keyasint,omitempty" json:"nodeIdentity,omitempty"`

	// ChannelID is the channel the session was established over.
	ChannelID string `cbor:"5,keyasint" json:"channelId"`

	CreatedAt string `cbor:"6,keyasint,omitempty" json:"createdAt,omitempty"`
}

// Validate checks that the record carries a token, a channel binding and a
// parseable expiry.
func (r *SessionRecord) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil session record", ErrCorruptRecord)
	}
	if r.Token == "" {
		return fmt.Errorf("%w: session record has no token", ErrCorruptRecord)
	}
	if r.ChannelID == "" {
		return fmt.Errorf("%w: session record has no channel id", ErrCorruptRecord)
	}
	if _, err := r.Expiry(); err != nil {
		return err
	}
	return nil
}

// Expiry parses ExpiresAt.
func (r *SessionRecord) Expiry() (time.Time, error) {
	return parseExpiry(r.ExpiresAt)
}

// Clone returns a copy of the record.
func (r *SessionRecord) Clone() *SessionRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// FormatTime formats t the way records store timestamps.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseExpiry(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: missing expiry", ErrCorruptRecord)
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: expiry %q: %v", ErrCorruptRecord, s, err)
	}
	return t, nil
}
