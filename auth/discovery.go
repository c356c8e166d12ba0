package auth

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/mcpauth/mcp-oauth-go/internal/errors"
	"github.com/mcpauth/mcp-oauth-go/internal/httpclient"
)

// DiscoveryStrategy represents one way of locating authorization server
// metadata for a resource.
type DiscoveryStrategy interface {
	Discover(ctx context.Context, serverURL string) (*ServerMetadata, error)
	Name() string
}

// MetadataDiscovery resolves authorization server metadata by trying a
// sequence of strategies, ending with a fallback that synthesizes
// conventional endpoints and therefore cannot fail for a well-formed URL.
type MetadataDiscovery struct {
	client *httpclient.Client
	log    *zap.Logger
}

// NewMetadataDiscovery creates a discovery service. A nil client gets a
// short-timeout default so discovery never hangs the caller.
func NewMetadataDiscovery(client *httpclient.Client, logger *zap.Logger) *MetadataDiscovery {
	if client == nil {
		client = httpclient.New(&httpclient.Config{
			Timeout:    5 * time.Second,
			MaxRetries: 1,
			RetryDelay: 500 * time.Millisecond,
		})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetadataDiscovery{client: client, log: logger}
}

// Discover tries each strategy in order and returns the first metadata
// found. resourceMetadataURL optionally points at an RFC 9728 document
// advertised by the resource in a WWW-Authenticate header; when empty the
// conventional well-known location is used.
func (m *MetadataDiscovery) Discover(ctx context.Context, serverURL, resourceMetadataURL string) (*ServerMetadata, error) {
	strategies := []DiscoveryStrategy{
		NewProtectedResourceDiscovery(m.client, resourceMetadataURL),
		NewStandardOAuthDiscovery(m.client),
		NewOpenIDConnectDiscovery(m.client),
		NewFallbackDiscovery(),
	}

	var lastErr error
	for _, strategy := range strategies {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("discovery cancelled: %w", ctx.Err())
		default:
		}

		metadata, err := strategy.Discover(ctx, serverURL)
		if err == nil {
			if _, degraded := strategy.(*FallbackDiscovery); degraded && lastErr != nil {
				m.log.Warn("endpoint discovery degraded to conventional paths",
					zap.Error(apperrors.Wrap(lastErr, apperrors.DiscoveryDegraded, "no discovery document found")))
			}
			m.log.Debug("discovered server metadata",
				zap.String("strategy", strategy.Name()),
				zap.String("issuer", metadata.Issuer))
			return metadata, nil
		}

		m.log.Warn("discovery strategy failed, trying next",
			zap.String("strategy", strategy.Name()),
			zap.Error(err))
		lastErr = err

		if ctx.Err() != nil {
			return nil, fmt.Errorf("discovery cancelled: %w", ctx.Err())
		}
	}

	return nil, fmt.Errorf("all discovery strategies failed, last error: %w", lastErr)
}

// originOf strips the path from a server URL, keeping scheme and host
func originOf(serverURL string) (string, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("server URL must have a scheme and host: %s", serverURL)
	}
	return fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host), nil
}

// fetchServerMetadata retrieves and validates a metadata document
func fetchServerMetadata(ctx context.Context, client *httpclient.Client, metadataURL string) (*ServerMetadata, error) {
	headers := map[string]string{
		HeaderMCPProtocolVersion: MCPProtocolVersion,
	}

	resp, err := client.Get(ctx, metadataURL, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metadata from %s: %w", metadataURL, err)
	}
	defer func() { _ = resp.SafeClose() }()

	var metadata ServerMetadata
	if err := resp.JSON(&metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata from %s: %w", metadataURL, err)
	}

	if metadata.Issuer == "" || metadata.AuthorizationEndpoint == "" || metadata.TokenEndpoint == "" {
		return nil, fmt.Errorf("incomplete server metadata from %s", metadataURL)
	}

	return &metadata, nil
}

// StandardOAuthDiscovery implements RFC 8414 OAuth authorization server
// metadata discovery.
type StandardOAuthDiscovery struct {
	client *httpclient.Client
}

// NewStandardOAuthDiscovery creates a new standard OAuth discovery strategy
func NewStandardOAuthDiscovery(client *httpclient.Client) *StandardOAuthDiscovery {
	return &StandardOAuthDiscovery{client: client}
}

func (s *StandardOAuthDiscovery) Name() string {
	return "Standard OAuth 2.0 Discovery (RFC 8414)"
}

func (s *StandardOAuthDiscovery) Discover(ctx context.Context, serverURL string) (*ServerMetadata, error) {
	origin, err := originOf(serverURL)
	if err != nil {
		return nil, err
	}
	return fetchServerMetadata(ctx, s.client, origin+"/.well-known/oauth-authorization-server")
}

// OpenIDConnectDiscovery implements OpenID Connect discovery
type OpenIDConnectDiscovery struct {
	client *httpclient.Client
}

// NewOpenIDConnectDiscovery creates a new OpenID Connect discovery strategy
func NewOpenIDConnectDiscovery(client *httpclient.Client) *OpenIDConnectDiscovery {
	return &OpenIDConnectDiscovery{client: client}
}

func (o *OpenIDConnectDiscovery) Name() string {
	return "OpenID Connect Discovery"
}

func (o *OpenIDConnectDiscovery) Discover(ctx context.Context, serverURL string) (*ServerMetadata, error) {
	origin, err := originOf(serverURL)
	if err != nil {
		return nil, err
	}
	return fetchServerMetadata(ctx, o.client, origin+"/.well-known/openid-configuration")
}

// ProtectedResourceMetadata holds RFC 9728 Protected Resource Metadata
type ProtectedResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
	ScopesSupported      []string `json:"scopes_supported,omitempty"`
}

// ProtectedResourceDiscovery implements RFC 9728 Protected Resource
// Metadata discovery. It locates the authorization server(s) through the
// resource's metadata document, then fetches OAuth metadata from those
// servers.
type ProtectedResourceDiscovery struct {
	client *httpclient.Client
	// metadataURL overrides the conventional well-known location, as
	// advertised by the resource in a WWW-Authenticate header.
	metadataURL string
}

// NewProtectedResourceDiscovery creates a new RFC 9728 discovery strategy
func NewProtectedResourceDiscovery(client *httpclient.Client, metadataURL string) *ProtectedResourceDiscovery {
	return &ProtectedResourceDiscovery{client: client, metadataURL: metadataURL}
}

func (p *ProtectedResourceDiscovery) Name() string {
	return "Protected Resource Metadata (RFC 9728)"
}

func (p *ProtectedResourceDiscovery) Discover(ctx context.Context, serverURL string) (*ServerMetadata, error) {
	metadataURL := p.metadataURL
	if metadataURL == "" {
		origin, err := originOf(serverURL)
		if err != nil {
			return nil, err
		}
		metadataURL = origin + "/.well-known/oauth-protected-resource"
	}

	headers := map[string]string{
		HeaderMCPProtocolVersion: MCPProtocolVersion,
	}
	resp, err := p.client.Get(ctx, metadataURL, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch protected resource metadata from %s: %w", metadataURL, err)
	}
	defer func() { _ = resp.SafeClose() }()

	var prm ProtectedResourceMetadata
	if err := resp.JSON(&prm); err != nil {
		return nil, fmt.Errorf("failed to parse protected resource metadata from %s: %w", metadataURL, err)
	}

	if len(prm.AuthorizationServers) == 0 {
		return nil, fmt.Errorf("no authorization_servers found in protected resource metadata")
	}

	// Try each listed authorization server until one yields metadata
	for _, authServer := range prm.AuthorizationServers {
		metadata, err := NewStandardOAuthDiscovery(p.client).Discover(ctx, authServer)
		if err == nil {
			return metadata, nil
		}

		metadata, err = NewOpenIDConnectDiscovery(p.client).Discover(ctx, authServer)
		if err == nil {
			return metadata, nil
		}
	}

	return nil, fmt.Errorf("failed to discover OAuth metadata from any listed authorization server")
}

// FallbackDiscovery synthesizes metadata from conventional endpoint paths.
// It is the degraded-mode terminal strategy: it never makes a request and
// only fails when the server URL itself is unusable.
type FallbackDiscovery struct{}

// NewFallbackDiscovery creates a new fallback discovery strategy
func NewFallbackDiscovery() *FallbackDiscovery {
	return &FallbackDiscovery{}
}

func (f *FallbackDiscovery) Name() string {
	return "Fallback Discovery (Conventional Paths)"
}

func (f *FallbackDiscovery) Discover(ctx context.Context, serverURL string) (*ServerMetadata, error) {
	origin, err := originOf(serverURL)
	if err != nil {
		return nil, err
	}

	return &ServerMetadata{
		Issuer:                origin,
		AuthorizationEndpoint: origin + "/authorize",
		TokenEndpoint:         origin + "/token",
		RegistrationEndpoint:  origin + "/register",
	}, nil
}
