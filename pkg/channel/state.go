package channel

import (
	"encoding/base64"
	"sync"
	"time"

	"github.com/backkem/nodelink/pkg/crypto"
	"github.com/backkem/nodelink/pkg/storage"
)

// State is the runtime form of an open channel.
//
// The symmetric key is fixed for the channel's lifetime. Rotation means
// discarding the State and opening a new channel. State is safe for
// concurrent use.
type State struct {
	id        string
	suite     crypto.CipherSuite
	provider  crypto.Provider
	serverPub []byte
	createdAt time.Time
	expiresAt time.Time
	now       func() time.Time

	mu      sync.RWMutex
	key     *crypto.SymmetricKey
	users   int
	retired bool
}

// Summary is the non-secret description of a channel.
type Summary struct {
	ChannelID       string             `json:"channelId"`
	ServerPublicKey string             `json:"serverPublicKey,omitempty"`
	Cipher          crypto.CipherSuite `json:"cipher"`
	ExpiresAt       time.Time          `json:"expiresAt"`
}

// Result is returned by Open.
type Result struct {
	State   *State
	Record  *storage.ChannelRecord
	Summary Summary
}

// ID returns the channel id issued by the node.
func (s *State) ID() string { return s.id }

// ExpiresAt returns the channel expiry.
func (s *State) ExpiresAt() time.Time { return s.expiresAt }

// Cipher returns the negotiated cipher suite.
func (s *State) Cipher() crypto.CipherSuite { return s.suite }

// ServerPublicKey returns a copy of the node's ephemeral public key.
func (s *State) ServerPublicKey() []byte {
	return append([]byte(nil), s.serverPub...)
}

// Valid returns true if the channel has not been discarded and has not
// expired at now.
func (s *State) Valid(now time.Time) bool {
	if s == nil || s.Discarded() {
		return false
	}
	return now.Before(s.expiresAt)
}

// ExpiresWithin returns true if the channel expires before now+d.
func (s *State) ExpiresWithin(now time.Time, d time.Duration) bool {
	return !now.Add(d).Before(s.expiresAt)
}

// Discarded returns true once Discard has been called.
func (s *State) Discarded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key == nil
}

// Discard zeroizes the key. The State cannot seal or open afterwards.
// Seal and open calls already running finish first.
func (s *State) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discardLocked()
}

func (s *State) discardLocked() {
	if s.key != nil {
		s.key.Zeroize()
		s.key = nil
	}
}

// Acquire marks the channel in use until Release. It returns false if the
// key is gone.
func (s *State) Acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return false
	}
	s.users++
	return true
}

// Release ends a use started by Acquire.
func (s *State) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users > 0 {
		s.users--
	}
	if s.users == 0 && s.retired {
		s.discardLocked()
	}
}

// Retire discards the key once the last user releases the channel, or
// immediately if there is none.
func (s *State) Retire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retired = true
	if s.users == 0 {
		s.discardLocked()
	}
}

// Summary returns the non-secret description of the channel.
func (s *State) Summary() Summary {
	sum := Summary{
		ChannelID: s.id,
		Cipher:    s.suite,
		ExpiresAt: s.expiresAt,
	}
	if len(s.serverPub) > 0 {
		sum.ServerPublicKey = base64.StdEncoding.EncodeToString(s.serverPub)
	}
	return sum
}

// Record returns the persisted form of the channel.
func (s *State) Record() (*storage.ChannelRecord, error) {
	var exported crypto.ExportedKey
	err := s.withKey(func(key *crypto.SymmetricKey) (err error) {
		exported, err = s.provider.ExportSymmetricKey(key)
		return err
	})
	if err != nil {
		return nil, err
	}
	r := &storage.ChannelRecord{
		ChannelID:    s.id,
		KeyAlgorithm: string(exported.Algorithm),
		KeyMaterial:  exported.Material,
		ExpiresAt:    storage.FormatTime(s.expiresAt),
		Cipher:       string(s.suite),
	}
	if len(s.serverPub) > 0 {
		r.ServerPublicKey = base64.StdEncoding.EncodeToString(s.serverPub)
	}
	if !s.createdAt.IsZero() {
		r.CreatedAt = storage.FormatTime(s.createdAt)
	}
	return r, nil
}

// withKey runs fn with the key held, so Discard waits until fn returns.
func (s *State) withKey(fn func(key *crypto.SymmetricKey) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return ErrDiscarded
	}
	return fn(s.key)
}
