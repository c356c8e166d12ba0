package keyringstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/mcpauth/mcp-oauth-go/auth"
)

func testStore(t *testing.T, serverURL string) *Store {
	t.Helper()
	keyring.MockInit()
	s := New(serverURL)
	t.Cleanup(func() { _ = s.Clear() })
	return s
}

func testState() *auth.State {
	return &auth.State{
		Client: &auth.ClientRegistration{ClientID: "client-123"},
		Token:  &auth.Token{AccessToken: "access-abc", RefreshToken: "refresh-def"},
	}
}

func TestStore_LoadAbsent(t *testing.T) {
	s := testStore(t, "https://absent.example.com/mcp")

	state, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestStore_RoundTrip(t *testing.T) {
	s := testStore(t, "https://roundtrip.example.com/mcp")

	require.NoError(t, s.Save(testState()))

	loaded, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "client-123", loaded.Client.ClientID)
	assert.Equal(t, "access-abc", loaded.Token.AccessToken)
	assert.Equal(t, "refresh-def", loaded.Token.RefreshToken)
}

func TestStore_ServersIsolated(t *testing.T) {
	a := testStore(t, "https://a.example.com/mcp")
	b := testStore(t, "https://b.example.com/mcp")

	require.NoError(t, a.Save(testState()))

	loaded, err := b.Load()
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestStore_Clear(t *testing.T) {
	s := testStore(t, "https://clear.example.com/mcp")

	require.NoError(t, s.Save(testState()))
	require.NoError(t, s.Clear())

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, loaded)

	// Clearing an absent entry is fine.
	require.NoError(t, s.Clear())
}

func TestStore_SaveNil(t *testing.T) {
	s := testStore(t, "https://nil.example.com/mcp")

	require.NoError(t, s.Save(nil))

	loaded, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Nil(t, loaded.Client)
	assert.Nil(t, loaded.Token)
}

func TestStore_OverwriteReplaces(t *testing.T) {
	s := testStore(t, "https://overwrite.example.com/mcp")

	require.NoError(t, s.Save(testState()))
	require.NoError(t, s.Save(&auth.State{Client: &auth.ClientRegistration{ClientID: "client-123"}}))

	loaded, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Nil(t, loaded.Token)
}
