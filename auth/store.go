package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mcpauth/mcp-oauth-go/internal/filelock"
)

// State is the unit of persistence: the client registration and current
// token for one server, serialized together.
type State struct {
	Client *ClientRegistration `json:"client,omitempty"`
	Token  *Token              `json:"token,omitempty"`
}

func (s *State) clone() *State {
	if s == nil {
		return nil
	}
	out := &State{}
	if s.Client != nil {
		c := *s.Client
		c.RedirectURIs = append([]string(nil), s.Client.RedirectURIs...)
		out.Client = &c
	}
	if s.Token != nil {
		t := *s.Token
		out.Token = &t
	}
	return out
}

// Store persists flow state across runs. Load returns (nil, nil) when
// nothing has been saved yet. Clear is idempotent.
type Store interface {
	Load() (*State, error)
	Save(state *State) error
	Clear() error
}

// MemoryStore keeps state in process memory only. Useful in tests and for
// callers that must not touch disk.
type MemoryStore struct {
	mu    sync.Mutex
	state *State
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load() (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone(), nil
}

func (m *MemoryStore) Save(state *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state.clone()
	return nil
}

func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = nil
	return nil
}

// storeLockTimeout bounds how long file store operations wait for the lock
const storeLockTimeout = 5 * time.Second

// FileStore persists state as a JSON file guarded by a lock file. Writes
// go to a temporary file first and are renamed into place, so a crash
// never leaves a truncated state file behind.
type FileStore struct {
	path string
	lock *filelock.FileLock
}

// NewFileStore creates a file-backed store at the given path, creating
// parent directories as needed.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{
		path: path,
		lock: filelock.New(path),
	}, nil
}

// Path returns the location of the state file
func (f *FileStore) Path() string {
	return f.path
}

func (f *FileStore) Load() (*State, error) {
	var state *State
	err := f.lock.WithLock(storeLockTimeout, func() error {
		data, err := os.ReadFile(f.path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}

		var s State
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("failed to parse state file: %w", err)
		}
		state = &s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (f *FileStore) Save(state *State) error {
	if state == nil {
		state = &State{}
	}

	return f.lock.WithLock(storeLockTimeout, func() error {
		data, err := json.MarshalIndent(state, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal state: %w", err)
		}

		tmp := f.path + ".tmp"
		if err := os.WriteFile(tmp, data, 0600); err != nil {
			return fmt.Errorf("failed to write state file: %w", err)
		}
		if err := os.Rename(tmp, f.path); err != nil {
			return fmt.Errorf("failed to replace state file: %w", err)
		}
		return nil
	})
}

func (f *FileStore) Clear() error {
	return f.lock.WithLock(storeLockTimeout, func() error {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	})
}

// ConfigDir returns the base directory for persisted state. It honors the
// MCP_OAUTH_CONFIG_DIR environment variable and defaults to ~/.mcp-oauth.
func ConfigDir() string {
	if dir := os.Getenv("MCP_OAUTH_CONFIG_DIR"); dir != "" {
		return dir
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home dir can't be determined
		return ".mcp-oauth"
	}

	return filepath.Join(homeDir, ".mcp-oauth")
}

// ServerURLHash derives the per-server directory name from its URL
func ServerURLHash(serverURL string) string {
	h := sha256.Sum256([]byte(serverURL))
	return hex.EncodeToString(h[:])
}

// DefaultStorePath returns the default state file location for a server
func DefaultStorePath(serverURL string) string {
	return filepath.Join(ConfigDir(), ServerURLHash(serverURL), "auth.json")
}
