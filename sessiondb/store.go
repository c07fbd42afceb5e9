package sessiondb

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/tumblebit/tumbler/negotiation"
)

var (
	// sessionBucket is the top level bucket holding the encoded
	// checkpoint of every negotiation, keyed by session id.
	sessionBucket = []byte("negotiation-sessions")

	// ErrSessionNotFound is returned when no checkpoint is stored for a
	// session id.
	ErrSessionNotFound = errors.New("session not found")
)

// SessionID identifies a stored negotiation.
type SessionID [16]byte

// NewSessionID draws a random session id.
func NewSessionID() (SessionID, error) {
	var id SessionID
	if _, err := rand.Read(id[:]); err != nil {
		return id, err
	}

	return id, nil
}

// ParseSessionID decodes a hex encoded session id.
func ParseSessionID(s string) (SessionID, error) {
	var id SessionID

	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("session id must be %d bytes, got %d",
			len(id), len(b))
	}
	copy(id[:], b)

	return id, nil
}

// String returns the hex encoding of the id.
func (id SessionID) String() string {
	return hex.EncodeToString(id[:])
}

// Store persists negotiation checkpoints in a kvdb backend. It is safe for
// concurrent use.
type Store struct {
	db kvdb.Backend
}

// Open opens, or creates, a bolt database at dbPath and returns a store
// backed by it. Close releases the database.
func Open(dbPath string, timeout time.Duration) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, err
	}

	db, err := kvdb.Create(
		kvdb.BoltBackendName, dbPath, true, timeout, false,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to open session db: %w", err)
	}

	store, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Infof("Opened session db at %v", dbPath)

	return store, nil
}

// New returns a store using db, creating its buckets if needed.
func New(db kvdb.Backend) (*Store, error) {
	err := kvdb.Update(db, func(tx kvdb.RwTx) error {
		for _, bucket := range [][]byte{sessionBucket, handoffBucket} {
			_, err := tx.CreateTopLevelBucket(bucket)
			if err != nil {
				return err
			}
		}

		return nil
	}, func() {})
	if err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores the checkpoint of a negotiation, replacing any previous one.
func (s *Store) Put(id SessionID, state negotiation.State) error {
	var b bytes.Buffer
	if err := negotiation.EncodeState(&b, state); err != nil {
		return err
	}
	defer clear(b.Bytes())

	err := kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(sessionBucket)
		if bucket == nil {
			return kvdb.ErrBucketNotFound
		}

		return bucket.Put(id[:], b.Bytes())
	}, func() {})
	if err != nil {
		return err
	}

	log.Debugf("Stored session %v at %v", id, state.Phase())

	return nil
}

// Fetch returns the checkpoint stored for id.
func (s *Store) Fetch(id SessionID) (negotiation.State, error) {
	var state negotiation.State
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(sessionBucket)
		if bucket == nil {
			return kvdb.ErrBucketNotFound
		}

		v := bucket.Get(id[:])
		if v == nil {
			return ErrSessionNotFound
		}

		var err error
		state, err = negotiation.DecodeState(bytes.NewReader(v))

		return err
	}, func() {
		state = nil
	})
	if err != nil {
		return nil, err
	}

	return state, nil
}

// Delete removes the checkpoint of id. Deleting an unknown session is not
// an error. The hand-off records of the session are kept.
func (s *Store) Delete(id SessionID) error {
	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(sessionBucket)
		if bucket == nil {
			return kvdb.ErrBucketNotFound
		}

		return bucket.Delete(id[:])
	}, func() {})
}

// ForEach calls cb with every stored checkpoint. A checkpoint that can't be
// decoded stops the iteration with an error.
func (s *Store) ForEach(cb func(SessionID, negotiation.State) error) error {
	return kvdb.View(s.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(sessionBucket)
		if bucket == nil {
			return kvdb.ErrBucketNotFound
		}

		return bucket.ForEach(func(k, v []byte) error {
			var id SessionID
			if len(k) != len(id) {
				return fmt.Errorf("invalid session key %x", k)
			}
			copy(id[:], k)

			state, err := negotiation.DecodeState(
				bytes.NewReader(v),
			)
			if err != nil {
				return fmt.Errorf("session %v: %w", id, err)
			}

			return cb(id, state)
		})
	}, func() {})
}
