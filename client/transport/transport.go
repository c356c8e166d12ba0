// Package transport wraps mcp-go client transports with bearer token
// injection and automatic re-authentication.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/mcpauth/mcp-oauth-go/auth"
)

// TokenSource supplies bearer tokens and re-authentication for a single
// server. *auth.Flow implements it.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (*auth.Token, error)
	Authorize(ctx context.Context) (*auth.Token, error)
}

// Factory builds a base MCP transport carrying the given headers. A fresh
// transport is built whenever the bearer token changes.
type Factory func(headers map[string]string) (transport.Interface, error)

// NewStreamableHTTPFactory returns a Factory for the streamable HTTP
// transport.
func NewStreamableHTTPFactory(serverURL string) Factory {
	return func(headers map[string]string) (transport.Interface, error) {
		return transport.NewStreamableHTTP(serverURL, transport.WithHTTPHeaders(headers))
	}
}

// NewSSEFactory returns a Factory for the SSE transport.
func NewSSEFactory(serverURL string) Factory {
	return func(headers map[string]string) (transport.Interface, error) {
		return transport.NewSSE(serverURL, transport.WithHeaders(headers))
	}
}

// AuthTransport is an MCP transport that injects bearer tokens and
// re-authenticates once when the server rejects one, replaying the
// failed call on the rebuilt connection. Custom headers and the
// notification handler survive rebuilds.
type AuthTransport struct {
	tokens  TokenSource
	factory Factory
	headers map[string]string
	log     *zap.Logger

	reauthMu sync.Mutex

	mu      sync.Mutex
	base    transport.Interface
	handler func(mcp.JSONRPCNotification)
}

// New creates an AuthTransport. The headers are carried on every
// connection alongside the Authorization header.
func New(tokens TokenSource, factory Factory, headers map[string]string, logger *zap.Logger) *AuthTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthTransport{
		tokens:  tokens,
		factory: factory,
		headers: headers,
		log:     logger,
	}
}

// Start builds the underlying transport with current credentials and
// starts it.
func (t *AuthTransport) Start(ctx context.Context) error {
	if err := t.rebuild(ctx); err != nil {
		return err
	}
	return t.current().Start(ctx)
}

// SendRequest sends a JSON-RPC request and waits for the response,
// re-authenticating and retrying once when the server rejects the token.
func (t *AuthTransport) SendRequest(ctx context.Context, request transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	resp, err := t.current().SendRequest(ctx, request)
	if err != nil && IsAuthError(err) {
		if rerr := t.reauthenticate(ctx); rerr != nil {
			return nil, fmt.Errorf("re-authentication failed: %w", rerr)
		}
		return t.current().SendRequest(ctx, request)
	}
	return resp, err
}

// SendNotification sends a JSON-RPC notification with the same retry
// behavior as SendRequest.
func (t *AuthTransport) SendNotification(ctx context.Context, notification mcp.JSONRPCNotification) error {
	err := t.current().SendNotification(ctx, notification)
	if err != nil && IsAuthError(err) {
		if rerr := t.reauthenticate(ctx); rerr != nil {
			return fmt.Errorf("re-authentication failed: %w", rerr)
		}
		return t.current().SendNotification(ctx, notification)
	}
	return err
}

// SetNotificationHandler registers the handler and keeps it registered
// across re-authentication rebuilds.
func (t *AuthTransport) SetNotificationHandler(handler func(mcp.JSONRPCNotification)) {
	t.mu.Lock()
	t.handler = handler
	base := t.base
	t.mu.Unlock()

	if base != nil {
		base.SetNotificationHandler(handler)
	}
}

// Close closes the underlying transport.
func (t *AuthTransport) Close() error {
	base := t.current()
	if base == nil {
		return nil
	}
	return base.Close()
}

func (t *AuthTransport) current() transport.Interface {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.base
}

// rebuild swaps in a fresh base transport carrying current credentials.
func (t *AuthTransport) rebuild(ctx context.Context) error {
	headers := make(map[string]string, len(t.headers)+1)
	for k, v := range t.headers {
		headers[k] = v
	}
	if token, err := t.tokens.AccessToken(ctx); err == nil && token != "" {
		headers["Authorization"] = "Bearer " + token
	} else if err != nil {
		// No usable token yet: connect bare and let a 401 drive re-auth.
		t.log.Debug("connecting without bearer token", zap.Error(err))
	}

	base, err := t.factory(headers)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	t.mu.Lock()
	old := t.base
	t.base = base
	if t.handler != nil {
		base.SetNotificationHandler(t.handler)
	}
	t.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

// reauthenticate refreshes the token when possible, falling back to the
// interactive flow, then rebuilds and restarts the transport. Concurrent
// callers are serialized so only one authorization runs at a time.
func (t *AuthTransport) reauthenticate(ctx context.Context) error {
	t.reauthMu.Lock()
	defer t.reauthMu.Unlock()

	if _, err := t.tokens.Refresh(ctx); err != nil {
		t.log.Info("token refresh unavailable, starting interactive authorization", zap.Error(err))
		if _, err := t.tokens.Authorize(ctx); err != nil {
			return err
		}
	}

	if err := t.rebuild(ctx); err != nil {
		return err
	}
	return t.current().Start(ctx)
}

// IsAuthError reports whether an MCP transport error indicates a
// rejected or missing token.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	markers := []string{
		"401",
		http.StatusText(http.StatusUnauthorized),
		"invalid_token",
		"expired_token",
		"authentication-needed",
	}
	for _, marker := range markers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
