package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

const (
	channelsBucket = "channels"
	sessionsBucket = "sessions"
	metadataBucket = "metadata"
	versionKey     = "version"

	boltFormatVersion = 1
)

var recordEncoding cbor.EncMode

func init() {
	var err error
	recordEncoding, err = cbor.CTAP2EncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("storage: cbor encoding options: %v", err))
	}
}

// BoltOptions configures OpenBolt.
type BoltOptions struct {
	// Timeout bounds how long Open waits for the file lock.
	// Default: 1 second.
	Timeout time.Duration

	// ReadOnly opens the database without write access.
	ReadOnly bool
}

// BoltStorage is a Storage backed by a bbolt file.
//
// Records are CBOR encoded, one bucket per record kind. Each Save runs in a
// single read-write transaction.
type BoltStorage struct {
	mu     sync.RWMutex
	db     *bolt.DB
	closed bool
}

// OpenBolt creates (or loads) a store in the file at path.
func OpenBolt(path string, opts *BoltOptions) (*BoltStorage, error) {
	o := BoltOptions{Timeout: time.Second}
	if opts != nil {
		if opts.Timeout > 0 {
			o.Timeout = opts.Timeout
		}
		o.ReadOnly = opts.ReadOnly
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: o.Timeout, ReadOnly: o.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}

	check := func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(metadataBucket))
		if meta == nil {
			return fmt.Errorf("storage: %s is not initialized", path)
		}
		return checkVersion(meta.Get([]byte(versionKey)))
	}

	if o.ReadOnly {
		err = db.View(check)
	} else {
		err = db.Update(func(tx *bolt.Tx) error {
			meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
			if err != nil {
				return err
			}
			if _, err := tx.CreateBucketIfNotExists([]byte(channelsBucket)); err != nil {
				return err
			}
			if _, err := tx.CreateBucketIfNotExists([]byte(sessionsBucket)); err != nil {
				return err
			}
			if meta.Get([]byte(versionKey)) == nil {
				return meta.Put([]byte(versionKey), []byte{boltFormatVersion})
			}
			return check(tx)
		})
	}
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

func checkVersion(b []byte) error {
	if len(b) != 1 || b[0] != boltFormatVersion {
		return fmt.Errorf("storage: incompatible format version %x", b)
	}
	return nil
}

// Path returns the database file path.
func (s *BoltStorage) Path() string {
	return s.db.Path()
}

// Close syncs and closes the database.
func (s *BoltStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if !s.db.IsReadOnly() {
		if err := s.db.Sync(); err != nil {
			s.db.Close()
			return err
		}
	}
	return s.db.Close()
}

// LoadChannel returns the channel record stored under key.
func (s *BoltStorage) LoadChannel(key string) (*ChannelRecord, error) {
	var r ChannelRecord
	if err := s.load(channelsBucket, key, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// SaveChannel replaces the channel record under key.
func (s *BoltStorage) SaveChannel(key string, record *ChannelRecord) error {
	if record == nil {
		return s.delete(channelsBucket, key)
	}
	return s.save(channelsBucket, key, record)
}

// DeleteChannel removes the channel record under key.
func (s *BoltStorage) DeleteChannel(key string) error {
	return s.delete(channelsBucket, key)
}

// LoadSession returns the session record stored under key.
func (s *BoltStorage) LoadSession(key string) (*SessionRecord, error) {
	var r SessionRecord
	if err := s.load(sessionsBucket, key, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// SaveSession replaces the session record under key.
func (s *BoltStorage) SaveSession(key string, record *SessionRecord) error {
	if record == nil {
		return s.delete(sessionsBucket, key)
	}
	return s.save(sessionsBucket, key, record)
}

// DeleteSession removes the session record under key.
func (s *BoltStorage) DeleteSession(key string) error {
	return s.delete(sessionsBucket, key)
}

func (s *BoltStorage) load(bucket, key string, out interface{}) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	var raw []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		// Values are only valid for the life of the transaction.
		if v := tx.Bucket([]byte(bucket)).Get([]byte(key)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("storage: load %s/%s: %w", bucket, key, err)
	}
	if raw == nil {
		return ErrNotFound
	}
	if err := cbor.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s/%s: %v", ErrCorruptRecord, bucket, key, err)
	}
	return nil
}

func (s *BoltStorage) save(bucket, key string, record interface{}) error {
	b, err := recordEncoding.Marshal(record)
	if err != nil {
		return fmt.Errorf("storage: encode %s/%s: %w", bucket, key, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(key), b)
	})
}

func (s *BoltStorage) delete(bucket, key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Delete([]byte(key))
	})
}

var _ Storage = (*BoltStorage)(nil)
