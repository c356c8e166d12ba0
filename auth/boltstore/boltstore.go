// Package boltstore persists auth state in a bbolt database, one record
// per MCP server. A single database file serves any number of servers.
package boltstore

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mcpauth/mcp-oauth-go/auth"
)

const (
	// dirPerm is the permission mode for the database directory.
	dirPerm = fs.FileMode(0o700)

	// filePerm is the permission mode for the database file.
	filePerm = fs.FileMode(0o600)

	// openTimeout is the maximum time to wait for the bolt file lock.
	openTimeout = 5 * time.Second
)

var stateBucket = []byte("auth_state")

// DefaultPath returns the shared database location under the config
// directory.
func DefaultPath() string {
	return filepath.Join(auth.ConfigDir(), "auth.db")
}

// DB wraps a bbolt database holding auth state records.
type DB struct {
	db *bolt.DB
}

// Open opens the database at path, creating it if it does not exist. The
// parent directory is created with owner-only permissions.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, filePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &DB{db: db}, nil
}

// Close releases the database file lock.
func (d *DB) Close() error {
	return d.db.Close()
}

// StoreFor returns the auth state store for one MCP server. Records are
// keyed by a hash of the server URL, so distinct servers never collide.
func (d *DB) StoreFor(serverURL string) *Store {
	return &Store{db: d.db, key: []byte(auth.ServerURLHash(serverURL))}
}

// Store reads and writes one server's auth state record.
type Store struct {
	db  *bolt.DB
	key []byte
}

var _ auth.Store = (*Store)(nil)

// Load returns the stored state, or nil when none has been saved.
func (s *Store) Load() (*auth.State, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		// Bolt values are only valid inside the transaction; copy out.
		if v := tx.Bucket(stateBucket).Get(s.key); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading auth state: %w", err)
	}
	if raw == nil {
		return nil, nil
	}

	var state auth.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("parsing auth state: %w", err)
	}
	return &state, nil
}

// Save writes the state, replacing any previous record.
func (s *Store) Save(state *auth.State) error {
	if state == nil {
		state = &auth.State{}
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding auth state: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Put(s.key, raw)
	})
}

// Clear removes the record. Clearing an absent record is not an error.
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Delete(s.key)
	})
}
