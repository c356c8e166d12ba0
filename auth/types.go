package auth

import (
	"time"

	"go.uber.org/zap"
)

// MCPProtocolVersion is the protocol revision advertised on discovery and
// probe requests.
const MCPProtocolVersion = "2025-03-26"

// HeaderMCPProtocolVersion is the header name carrying MCPProtocolVersion.
const HeaderMCPProtocolVersion = "MCP-Protocol-Version"

// Defaults applied by NewFlow for unset Config fields.
const (
	DefaultRedirectURI     = "http://localhost:3334/callback"
	DefaultClientName      = "MCP OAuth Go Client"
	DefaultCallbackTimeout = 5 * time.Minute
	DefaultExpiryBuffer    = 5 * time.Minute
	DefaultProbeTimeout    = 5 * time.Second
)

// DefaultScopes are the scopes requested when Config.Scopes is empty.
var DefaultScopes = []string{"mcp", "offline_access"}

// ServerMetadata holds OAuth authorization server metadata (RFC 8414).
// It is resolved once per Flow instance and kept in memory only.
type ServerMetadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RegistrationEndpoint          string   `json:"registration_endpoint,omitempty"`
	RevocationEndpoint            string   `json:"revocation_endpoint,omitempty"`
	JWKSUri                       string   `json:"jwks_uri,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported        []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported           []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// ClientRegistration holds the OAuth client credentials identifying this
// application to the authorization server, either configured by the caller
// or obtained through dynamic registration (RFC 7591).
type ClientRegistration struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at,omitempty"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at,omitempty"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}

// Token holds an issued access token. ExpiresAt is an absolute Unix
// timestamp computed from the server-reported lifetime at issuance; zero
// means the server reported no lifetime and the token does not expire.
type Token struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
}

// Valid reports whether the token is usable, keeping buffer of safety
// margin before the recorded expiry. Tokens without an expiry are always
// considered usable.
func (t *Token) Valid(buffer time.Duration) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	if t.ExpiresAt == 0 {
		return true
	}
	return time.Now().Add(buffer).Unix() < t.ExpiresAt
}

// AuthorizationRequest holds everything needed to complete one
// authorization round trip. It is single-use: the state value is bound to
// exactly one outstanding callback, and the verifier must be presented at
// token exchange. Requests are never persisted; a process restart voids
// any outstanding request.
type AuthorizationRequest struct {
	// URL is the fully-formed authorization URL to present to the user.
	URL string
	// State is the anti-forgery token the callback must echo.
	State string
	// CodeVerifier is the PKCE secret for the eventual token exchange.
	CodeVerifier string
}

// AuthStatus reports whether a server demands authentication and whether
// this flow already holds usable credentials for it.
type AuthStatus struct {
	// Required is true when the server answered the probe with a 401.
	Required bool
	// Authenticated is true when no authentication is required, or a
	// token usable without user interaction is held.
	Authenticated bool
	// Request is populated when authentication is required and no usable
	// token is held. Present its URL to the user, then complete the flow
	// with WaitForAuthorization or ExchangeCodeForToken.
	Request *AuthorizationRequest
}

// Config controls Flow behavior. The zero value is usable; NewFlow fills
// in defaults for unset fields.
type Config struct {
	// RedirectURI receives the authorization callback. Its host and port
	// are bound locally while a flow awaits its callback.
	RedirectURI string

	// ClientName is the display name sent during dynamic registration.
	ClientName string

	// ClientID and ClientSecret configure a pre-registered client and
	// disable dynamic registration.
	ClientID     string
	ClientSecret string

	// Scopes requested during authorization.
	Scopes []string

	// Headers are attached to probe requests sent to the resource server.
	Headers map[string]string

	// CallbackTimeout bounds the wait for the browser redirect.
	CallbackTimeout time.Duration

	// ExpiryBuffer is the safety margin subtracted from token expiry.
	ExpiryBuffer time.Duration

	// ProbeTimeout bounds the auth-required probe request.
	ProbeTimeout time.Duration

	Logger *zap.Logger
}

func (c *Config) withDefaults() Config {
	out := Config{}
	if c != nil {
		out = *c
	}
	if out.RedirectURI == "" {
		out.RedirectURI = DefaultRedirectURI
	}
	if out.ClientName == "" {
		out.ClientName = DefaultClientName
	}
	if len(out.Scopes) == 0 {
		out.Scopes = DefaultScopes
	}
	if out.CallbackTimeout <= 0 {
		out.CallbackTimeout = DefaultCallbackTimeout
	}
	if out.ExpiryBuffer <= 0 {
		out.ExpiryBuffer = DefaultExpiryBuffer
	}
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = DefaultProbeTimeout
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}
