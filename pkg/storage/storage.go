package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketStates   = []byte("states")
	bucketRestarts = []byte("restarts")
)

// EntityState is the last state transition recorded for an entity
type EntityState struct {
	Entity    string    `json:"entity"`
	State     string    `json:"state"`
	PID       int       `json:"pid,omitempty"`
	ExitCode  int       `json:"exit_code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RestartRecord tracks restart attempts for an entity
type RestartRecord struct {
	Entity   string    `json:"entity"`
	Attempts int       `json:"attempts"`
	LastAt   time.Time `json:"last_at"`
}

// Store is a BoltDB-backed journal of entity state transitions and restart
// counts. It survives daemon restarts so the operator can see what the fleet
// looked like before a crash.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the journal under dataDir
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "kodegend.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketStates, bucketRestarts} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// RecordState journals an entity's latest state transition
func (s *Store) RecordState(st *EntityState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStates).Put([]byte(st.Entity), data)
	})
}

// LastState returns the last journaled state for entity, or nil when the
// entity has never been seen
func (s *Store) LastState(entity string) (*EntityState, error) {
	var st *EntityState
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketStates).Get([]byte(entity))
		if data == nil {
			return nil
		}
		st = &EntityState{}
		return json.Unmarshal(data, st)
	})
	return st, err
}

// ListStates returns the journaled state of every known entity
func (s *Store) ListStates() ([]*EntityState, error) {
	var states []*EntityState
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStates).ForEach(func(k, v []byte) error {
			st := &EntityState{}
			if err := json.Unmarshal(v, st); err != nil {
				return err
			}
			states = append(states, st)
			return nil
		})
	})
	return states, err
}

// RecordRestart increments and journals the entity's restart count
func (s *Store) RecordRestart(entity string, at time.Time) (int, error) {
	attempts := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRestarts)

		rec := RestartRecord{Entity: entity}
		if data := b.Get([]byte(entity)); data != nil {
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
		}
		rec.Attempts++
		rec.LastAt = at
		attempts = rec.Attempts

		data, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(entity), data)
	})
	return attempts, err
}

// RestartCount returns the journaled restart count for entity
func (s *Store) RestartCount(entity string) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRestarts).Get([]byte(entity))
		if data == nil {
			return nil
		}
		var rec RestartRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		count = rec.Attempts
		return nil
	})
	return count, err
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}
