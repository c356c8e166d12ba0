// Package keyringstore persists auth state in the operating system
// keychain, one JSON secret per MCP server. Secrets never touch disk in
// plain text, at the cost of requiring a keychain service to be present.
package keyringstore

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"

	"github.com/mcpauth/mcp-oauth-go/auth"
)

// serviceName identifies this application's secrets in the keychain.
const serviceName = "mcp-oauth-go"

// Store persists one server's auth state in the system keychain.
type Store struct {
	service string
	key     string
}

var _ auth.Store = (*Store)(nil)

// New returns a store for the given server under the default service
// name.
func New(serverURL string) *Store {
	return NewWithService(serviceName, serverURL)
}

// NewWithService returns a store using a custom keychain service name.
func NewWithService(service, serverURL string) *Store {
	return &Store{service: service, key: auth.ServerURLHash(serverURL)}
}

// Load returns the stored state, or nil when the keychain has no entry.
func (s *Store) Load() (*auth.State, error) {
	secret, err := keyring.Get(s.service, s.key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get auth state from keyring: %w", err)
	}

	var state auth.State
	if err := json.Unmarshal([]byte(secret), &state); err != nil {
		return nil, fmt.Errorf("failed to parse auth state from keyring: %w", err)
	}
	return &state, nil
}

// Save writes the state, replacing any previous entry.
func (s *Store) Save(state *auth.State) error {
	if state == nil {
		state = &auth.State{}
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode auth state: %w", err)
	}
	if err := keyring.Set(s.service, s.key, string(raw)); err != nil {
		return fmt.Errorf("failed to store auth state in keyring: %w", err)
	}
	return nil
}

// Clear removes the entry. A missing entry is not an error.
func (s *Store) Clear() error {
	err := keyring.Delete(s.service, s.key)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete auth state from keyring: %w", err)
	}
	return nil
}
