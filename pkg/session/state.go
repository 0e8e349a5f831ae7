package session

import (
	"time"

	"github.com/backkem/nodelink/pkg/channel"
	"github.com/backkem/nodelink/pkg/storage"
)

// State is the runtime form of an authenticated session. It is immutable.
type State struct {
	SessionID    string
	Token        string
	ExpiresAt    time.Time
	NodeIdentity string

	// ChannelID is the channel the session was established over. The
	// session is meaningless without that channel.
	ChannelID string

	CreatedAt time.Time
}

// Summary is the non-secret description of a session.
type Summary struct {
	SessionID    string    `json:"sessionId"`
	NodeIdentity string    `json:"nodeIdentity,omitempty"`
	ChannelID    string    `json:"channelId"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Result is returned by Establish.
type Result struct {
	State   *State
	Record  *storage.SessionRecord
	Summary Summary
}

// Valid returns true if the session has a token and has not expired at now.
func (s *State) Valid(now time.Time) bool {
	return s != nil && s.Token != "" && now.Before(s.ExpiresAt)
}

// BoundTo returns true if the session was established over ch and ch is
// still usable.
func (s *State) BoundTo(ch *channel.State) bool {
	return s != nil && ch != nil && !ch.Discarded() && s.ChannelID == ch.ID()
}

// ExpiresWithin returns true if the session expires before now+d.
func (s *State) ExpiresWithin(now time.Time, d time.Duration) bool {
	return !now.Add(d).Before(s.ExpiresAt)
}

// Summary returns the non-secret description of the session.
func (s *State) Summary() Summary {
	return Summary{
		SessionID:    s.SessionID,
		NodeIdentity: s.NodeIdentity,
		ChannelID:    s.ChannelID,
		ExpiresAt:    s.ExpiresAt,
	}
}

// Record returns the persisted form of the session.
func (s *State) Record() *storage.SessionRecord {
	r := &storage.SessionRecord{
		SessionID:    s.SessionID,
		Token:        s.Token,
		ExpiresAt:    storage.FormatTime(s.ExpiresAt),
		NodeIdentity: s.NodeIdentity,
		ChannelID:    s.ChannelID,
	}
	if !s.CreatedAt.IsZero() {
		r.CreatedAt = storage.FormatTime(s.CreatedAt)
	}
	return r
}
