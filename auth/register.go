package auth

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/mcpauth/mcp-oauth-go/internal/errors"
	"github.com/mcpauth/mcp-oauth-go/internal/httpclient"
)

// clientRegistrationRequest is the RFC 7591 dynamic registration body
type clientRegistrationRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// Registrar obtains client credentials through dynamic registration
// (RFC 7591). Registration runs at most once per server; the resulting
// credentials are persisted and reused on later runs.
type Registrar struct {
	client *httpclient.Client
	log    *zap.Logger
}

// NewRegistrar creates a registrar using the given HTTP client
func NewRegistrar(client *httpclient.Client, logger *zap.Logger) *Registrar {
	if client == nil {
		client = httpclient.New(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registrar{client: client, log: logger}
}

// Register submits a registration request declaring a public client
// (no secret) using the authorization-code and refresh-token grants.
func (r *Registrar) Register(ctx context.Context, registrationEndpoint, clientName, redirectURI string) (*ClientRegistration, error) {
	if registrationEndpoint == "" {
		return nil, apperrors.New(apperrors.RegistrationFailed, "server does not advertise a registration endpoint")
	}

	body := clientRegistrationRequest{
		ClientName:              clientName,
		RedirectURIs:            []string{redirectURI},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
	}

	resp, err := r.client.Post(ctx, registrationEndpoint, body, nil)
	if resp != nil {
		defer func() { _ = resp.SafeClose() }()
	}
	if err != nil {
		regErr := apperrors.Wrap(err, apperrors.RegistrationFailed, "dynamic client registration rejected")
		if resp != nil {
			regErr = regErr.WithStatusCode(resp.StatusCode).WithDetails(resp.String())
		}
		return nil, regErr
	}

	var reg ClientRegistration
	if err := resp.JSON(&reg); err != nil {
		return nil, apperrors.Wrap(err, apperrors.RegistrationFailed, "failed to parse registration response")
	}
	if reg.ClientID == "" {
		return nil, apperrors.New(apperrors.RegistrationFailed, "registration response missing client_id")
	}

	// Secret expiry is recorded but not acted upon; re-registration on
	// expiry is left to the operator.
	if reg.ClientSecretExpiresAt > 0 && time.Now().Unix() >= reg.ClientSecretExpiresAt {
		r.log.Warn("registered client secret is already expired",
			zap.Int64("client_secret_expires_at", reg.ClientSecretExpiresAt))
	}

	r.log.Info("registered OAuth client",
		zap.String("client_id", reg.ClientID),
		zap.String("registration_endpoint", registrationEndpoint))

	return &reg, nil
}
