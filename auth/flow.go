package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/pkg/browser"
	"go.uber.org/zap"

	apperrors "github.com/mcpauth/mcp-oauth-go/internal/errors"
	"github.com/mcpauth/mcp-oauth-go/internal/httpclient"
)

// probeBody is the minimal JSON-RPC request used to test whether a server
// demands authorization before answering.
const probeBody = `{"jsonrpc":"2.0","method":"ping","id":0}`

var resourceMetadataPattern = regexp.MustCompile(`resource_metadata="([^"]*)"`)

type pendingAuth struct {
	request *AuthorizationRequest
	server  *callbackServer
}

// Flow drives the OAuth authorization code grant with PKCE for a single
// MCP server: probing, metadata discovery, client registration, the
// browser round trip, token exchange, refresh, and revocation. All
// methods are safe for concurrent use.
type Flow struct {
	serverURL string
	origin    string
	cfg       Config
	store     Store
	http      *httpclient.Client
	tokenHTTP *httpclient.Client
	discovery *MetadataDiscovery
	registrar *Registrar
	log       *zap.Logger

	mu                  sync.Mutex
	metadata            *ServerMetadata
	client              *ClientRegistration
	token               *Token
	pending             *pendingAuth
	resourceMetadataURL string
}

// NewFlow creates a flow for the given MCP server URL. A nil store keeps
// all state in memory; a nil config uses defaults. Persisted state is
// loaded once at construction, and static client credentials in the
// config take precedence over any persisted registration.
func NewFlow(serverURL string, store Store, cfg *Config) (*Flow, error) {
	origin, err := originOf(serverURL)
	if err != nil {
		return nil, err
	}
	if store == nil {
		store = NewMemoryStore()
	}

	var config Config
	if cfg != nil {
		config = *cfg
	}
	config = config.withDefaults()

	f := &Flow{
		serverURL: serverURL,
		origin:    origin,
		cfg:       config,
		store:     store,
		http:      httpclient.New(nil),
		// Token endpoint calls are never retried: replaying a consumed
		// code or rotated refresh token cannot succeed, and the first
		// response carries the real error.
		tokenHTTP: httpclient.New(&httpclient.Config{Timeout: 30 * time.Second}),
		log:       config.Logger,
	}
	f.discovery = NewMetadataDiscovery(nil, f.log)
	f.registrar = NewRegistrar(f.http, f.log)

	state, err := store.Load()
	if err != nil {
		f.log.Warn("failed to load persisted auth state, starting fresh", zap.Error(err))
	} else if state != nil {
		f.client = state.Client
		f.token = state.Token
		if f.client != nil && f.client.ClientSecretExpiresAt > 0 && f.client.ClientSecretExpiresAt <= time.Now().Unix() {
			f.log.Warn("persisted client secret has expired, the server may reject it",
				zap.Int64("expired_at", f.client.ClientSecretExpiresAt))
		}
	}

	if config.ClientID != "" {
		f.client = &ClientRegistration{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURIs: []string{config.RedirectURI},
		}
	}

	return f, nil
}

// ServerURL returns the MCP server URL this flow authenticates against.
func (f *Flow) ServerURL() string {
	return f.serverURL
}

// IsAuthRequired probes the server and reports whether it demands
// authorization and whether usable credentials are already held. When
// authorization is needed and no credentials are available, the returned
// status carries a ready authorization request.
func (f *Flow) IsAuthRequired(ctx context.Context) (*AuthStatus, error) {
	probeCtx, cancel := context.WithTimeout(ctx, f.cfg.ProbeTimeout)
	defer cancel()

	headers := map[string]string{
		"Accept":                 "application/json, text/event-stream",
		HeaderMCPProtocolVersion: MCPProtocolVersion,
	}
	for k, v := range f.cfg.Headers {
		headers[k] = v
	}

	resp, err := f.http.Post(probeCtx, f.serverURL, []byte(probeBody), headers)
	if resp != nil {
		defer func() { _ = resp.SafeClose() }()
	}
	if err != nil && resp == nil {
		// An unreachable server is not one demanding auth; transport
		// problems surface on the real connection.
		f.log.Debug("probe request failed", zap.Error(err))
		return &AuthStatus{Required: false, Authenticated: true}, nil
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return &AuthStatus{Required: false, Authenticated: true}, nil
	}

	f.mu.Lock()
	if match := resourceMetadataPattern.FindStringSubmatch(resp.Header.Get("WWW-Authenticate")); match != nil {
		f.resourceMetadataURL = match[1]
	}
	authenticated := f.token != nil && (f.token.Valid(f.cfg.ExpiryBuffer) || f.token.RefreshToken != "")
	f.mu.Unlock()

	status := &AuthStatus{Required: true, Authenticated: authenticated}
	if !authenticated {
		request, err := f.CreateAuthorizationRequest(ctx)
		if err != nil {
			return nil, err
		}
		status.Request = request
	}
	return status, nil
}

// CreateAuthorizationRequest prepares a fresh PKCE authorization request:
// it discovers endpoints, ensures a client registration, generates the
// verifier and state pair, and binds the redirect listener. Any
// previously outstanding request is invalidated.
func (f *Flow) CreateAuthorizationRequest(ctx context.Context) (*AuthorizationRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.ensureMetadata(ctx); err != nil {
		return nil, err
	}
	if err := f.ensureClient(ctx); err != nil {
		return nil, err
	}

	verifier, err := GenerateCodeVerifier()
	if err != nil {
		return nil, fmt.Errorf("failed to generate code verifier: %w", err)
	}
	challenge := ComputeCodeChallenge(verifier)
	state := GenerateState()

	if f.pending != nil {
		f.pending.server.close()
		f.pending = nil
	}

	server, err := newCallbackServer(f.cfg.RedirectURI, state, f.log)
	if err != nil {
		return nil, err
	}

	authURL, err := f.buildAuthorizationURL(challenge, state)
	if err != nil {
		server.close()
		return nil, err
	}

	request := &AuthorizationRequest{
		URL:          authURL,
		State:        state,
		CodeVerifier: verifier,
	}
	f.pending = &pendingAuth{request: request, server: server}

	f.log.Info("authorization request created",
		zap.String("authorization_endpoint", f.metadata.AuthorizationEndpoint))

	return request, nil
}

// buildAuthorizationURL assembles the user-facing authorization URL.
// Caller holds f.mu.
func (f *Flow) buildAuthorizationURL(challenge, state string) (string, error) {
	u, err := url.Parse(f.metadata.AuthorizationEndpoint)
	if err != nil {
		return "", fmt.Errorf("invalid authorization endpoint: %w", err)
	}
	q := u.Query()
	q.Set("client_id", f.client.ClientID)
	q.Set("redirect_uri", f.cfg.RedirectURI)
	q.Set("response_type", "code")
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("state", state)
	if len(f.cfg.Scopes) > 0 {
		q.Set("scope", strings.Join(f.cfg.Scopes, " "))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ensureMetadata populates f.metadata via endpoint discovery. Caller
// holds f.mu.
func (f *Flow) ensureMetadata(ctx context.Context) error {
	if f.metadata != nil {
		return nil
	}
	metadata, err := f.discovery.Discover(ctx, f.serverURL, f.resourceMetadataURL)
	if err != nil {
		return err
	}
	f.metadata = metadata
	return nil
}

// ensureClient populates f.client, registering dynamically when no static
// credentials or persisted registration exist. Caller holds f.mu.
func (f *Flow) ensureClient(ctx context.Context) error {
	if f.client != nil {
		return nil
	}
	client, err := f.registrar.Register(ctx, f.metadata.RegistrationEndpoint, f.cfg.ClientName, f.cfg.RedirectURI)
	if err != nil {
		return err
	}
	f.client = client
	f.persistLocked()
	return nil
}

// persistLocked writes the in-memory registration and token through the
// store. Persistence failures are logged, not fatal: the session keeps
// working from memory. Caller holds f.mu.
func (f *Flow) persistLocked() {
	if err := f.store.Save(&State{Client: f.client, Token: f.token}); err != nil {
		f.log.Warn("failed to persist auth state", zap.Error(err))
	}
}

// WaitForAuthorization blocks until the browser redirect delivers a code,
// then exchanges it for a token. The callback listener is torn down on
// every exit path.
func (f *Flow) WaitForAuthorization(ctx context.Context) (*Token, error) {
	f.mu.Lock()
	pending := f.pending
	f.mu.Unlock()
	if pending == nil {
		return nil, fmt.Errorf("no authorization request in progress")
	}

	code, state, err := pending.server.wait(ctx, f.cfg.CallbackTimeout)
	if err != nil {
		f.clearPending(pending)
		return nil, err
	}

	return f.ExchangeCodeForToken(ctx, code, state, pending.request.CodeVerifier)
}

func (f *Flow) clearPending(pending *pendingAuth) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending == pending {
		pending.server.close()
		f.pending = nil
	}
}

// ExchangeCodeForToken validates the callback state against the
// outstanding request and redeems the code at the token endpoint. An
// exchange attempt is terminal: it consumes the outstanding request
// whatever the outcome, and the token request is never retried.
func (f *Flow) ExchangeCodeForToken(ctx context.Context, code, state, codeVerifier string) (*Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pending == nil {
		return nil, apperrors.New(apperrors.StateMismatch, "no outstanding authorization request")
	}
	expected := f.pending.request.State
	f.pending.server.close()
	f.pending = nil
	if state != expected {
		return nil, apperrors.New(apperrors.StateMismatch, "authorization state does not match the outstanding request")
	}

	if err := f.ensureMetadata(ctx); err != nil {
		return nil, err
	}
	if f.client == nil {
		return nil, apperrors.New(apperrors.NoClientID, "no client registration available for token exchange")
	}

	form := map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"redirect_uri":  f.cfg.RedirectURI,
		"client_id":     f.client.ClientID,
		"code_verifier": codeVerifier,
	}
	if f.client.ClientSecret != "" {
		form["client_secret"] = f.client.ClientSecret
	}

	token, err := f.requestToken(ctx, form, apperrors.TokenExchangeFailed, "token exchange rejected")
	if err != nil {
		return nil, err
	}

	f.token = token
	f.persistLocked()

	f.log.Info("token obtained",
		zap.Bool("has_refresh_token", token.RefreshToken != ""),
		zap.Int64("expires_at", token.ExpiresAt))

	return token, nil
}

// Authorize runs the complete interactive flow: create the authorization
// request, open the browser, and wait for the callback and exchange. An
// outstanding request, such as one prepared by IsAuthRequired, is reused
// rather than replaced.
func (f *Flow) Authorize(ctx context.Context) (*Token, error) {
	f.mu.Lock()
	pending := f.pending
	f.mu.Unlock()

	var request *AuthorizationRequest
	if pending != nil {
		request = pending.request
	} else {
		var err error
		request, err = f.CreateAuthorizationRequest(ctx)
		if err != nil {
			return nil, err
		}
	}

	f.log.Info("opening browser for authorization", zap.String("url", request.URL))
	if err := openBrowser(request.URL); err != nil {
		f.log.Warn("failed to open browser, authorize manually", zap.String("url", request.URL), zap.Error(err))
	}

	return f.WaitForAuthorization(ctx)
}

// openBrowser launches the system browser, refusing URL schemes a
// hijacked authorization endpoint could abuse.
func openBrowser(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid authorization URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("refusing to open URL with scheme %q", parsed.Scheme)
	}
	return browser.OpenURL(rawURL)
}

// ClientRegistration returns a copy of the active client registration, or
// nil when none exists yet.
func (f *Flow) ClientRegistration() *ClientRegistration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client == nil {
		return nil
	}
	c := *f.client
	c.RedirectURIs = append([]string(nil), f.client.RedirectURIs...)
	return &c
}

// Reset discards in-memory session state: token, discovered metadata, and
// any outstanding authorization request. With clearPersisted it also
// wipes the persisted state, so the next session starts from scratch. The
// in-memory client registration is kept; it remains valid at the server.
func (f *Flow) Reset(clearPersisted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.token = nil
	f.metadata = nil
	f.resourceMetadataURL = ""
	if f.pending != nil {
		f.pending.server.close()
		f.pending = nil
	}

	if clearPersisted {
		if err := f.store.Clear(); err != nil {
			return fmt.Errorf("failed to clear persisted state: %w", err)
		}
	}
	return nil
}

