package storage

import "sync"

// MemoryStorage is an in-memory Storage implementation.
// Useful for testing and development. Data is lost when the process exits.
//
// All methods are safe for concurrent use.
type MemoryStorage struct {
	mu sync.RWMutex

	channels map[string]*ChannelRecord
	sessions map[string]*SessionRecord
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		channels: make(map[string]*ChannelRecord),
		sessions: make(map[string]*SessionRecord),
	}
}

// LoadChannel returns a copy of the channel record stored under key.
func (m *MemoryStorage) LoadChannel(key string) (*ChannelRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.channels[key]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

// SaveChannel stores a copy of record under key. A nil record deletes it.
func (m *MemoryStorage) SaveChannel(key string, record *ChannelRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if record == nil {
		delete(m.channels, key)
		return nil
	}
	m.channels[key] = record.Clone()
	return nil
}

// DeleteChannel removes the channel record under key.
func (m *MemoryStorage) DeleteChannel(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.channels, key)
	return nil
}

// LoadSession returns a copy of the session record stored under key.
func (m *MemoryStorage) LoadSession(key string) (*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.sessions[key]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

// SaveSession stores a copy of record under key. A nil record deletes it.
func (m *MemoryStorage) SaveSession(key string, record *SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if record == nil {
		delete(m.sessions, key)
		return nil
	}
	m.sessions[key] = record.Clone()
	return nil
}

// DeleteSession removes the session record under key.
func (m *MemoryStorage) DeleteSession(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, key)
	return nil
}

// Len returns the number of stored channel and session records.
func (m *MemoryStorage) Len() (channels, sessions int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels), len(m.sessions)
}

var _ Storage = (*MemoryStorage)(nil)
