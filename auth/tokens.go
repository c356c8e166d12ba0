package auth

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/mcpauth/mcp-oauth-go/internal/errors"
)

// tokenResponse is the token endpoint wire format
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

func (f *Flow) requestToken(ctx context.Context, form map[string]string, failType apperrors.ErrorType, failMsg string) (*Token, error) {
	resp, err := f.tokenHTTP.PostForm(ctx, f.metadata.TokenEndpoint, form, nil)
	if resp != nil {
		defer func() { _ = resp.SafeClose() }()
	}
	if err != nil && resp == nil {
		return nil, apperrors.Wrap(err, failType, failMsg)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperrors.New(failType, failMsg).
			WithStatusCode(resp.StatusCode).
			WithDetails(resp.String())
	}

	var tr tokenResponse
	if err := resp.JSON(&tr); err != nil {
		return nil, apperrors.Wrap(err, failType, "failed to parse token response")
	}
	if tr.AccessToken == "" {
		return nil, apperrors.New(failType, "token response carried no access token")
	}

	token := &Token{
		AccessToken:  tr.AccessToken,
		TokenType:    tr.TokenType,
		RefreshToken: tr.RefreshToken,
		Scope:        tr.Scope,
	}
	if token.TokenType == "" {
		token.TokenType = "Bearer"
	}
	if tr.ExpiresIn > 0 {
		token.ExpiresAt = time.Now().Unix() + tr.ExpiresIn
	}
	return token, nil
}

// AccessToken returns a token ready for an Authorization header. An
// expired token is refreshed in place when a refresh token is held; a
// missing token fails fast rather than launching an interactive flow.
func (f *Flow) AccessToken(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.token == nil {
		return "", apperrors.New(apperrors.Unauthenticated, "no token available, authorization has not been performed")
	}
	if f.token.Valid(f.cfg.ExpiryBuffer) {
		return f.token.AccessToken, nil
	}
	if f.token.RefreshToken == "" {
		return "", apperrors.New(apperrors.TokenExpiredNoRefresh, "token expired and no refresh token is available")
	}
	if err := f.refreshLocked(ctx); err != nil {
		return "", err
	}
	return f.token.AccessToken, nil
}

// Refresh forces a refresh against the token endpoint regardless of local
// expiry, for callers that just saw the server reject the token.
func (f *Flow) Refresh(ctx context.Context) (*Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.token == nil || f.token.RefreshToken == "" {
		return nil, apperrors.New(apperrors.TokenExpiredNoRefresh, "no refresh token available")
	}
	if err := f.refreshLocked(ctx); err != nil {
		return nil, err
	}
	t := *f.token
	return &t, nil
}

// refreshLocked redeems the refresh token for a new access token. Caller
// holds f.mu, which also serializes concurrent refresh attempts.
func (f *Flow) refreshLocked(ctx context.Context) error {
	if err := f.ensureMetadata(ctx); err != nil {
		return err
	}
	if f.client == nil {
		return apperrors.New(apperrors.NoClientID, "no client registration available for token refresh")
	}

	form := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": f.token.RefreshToken,
		"client_id":     f.client.ClientID,
	}
	if f.client.ClientSecret != "" {
		form["client_secret"] = f.client.ClientSecret
	}

	token, err := f.requestToken(ctx, form, apperrors.RefreshFailed, "token refresh rejected")
	if err != nil {
		// The old pair is spent once a refresh is rejected; drop it so
		// later calls fail as unauthenticated instead of looping here.
		f.token = nil
		f.persistLocked()
		return err
	}
	// Servers may omit the refresh token when they do not rotate it.
	if token.RefreshToken == "" {
		token.RefreshToken = f.token.RefreshToken
	}

	f.token = token
	f.persistLocked()

	f.log.Info("token refreshed", zap.Int64("expires_at", token.ExpiresAt))
	return nil
}

// HasValidToken reports whether the in-memory token is usable right now,
// without touching the network or the store.
func (f *Flow) HasValidToken() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token.Valid(f.cfg.ExpiryBuffer)
}

// Token returns a copy of the current token, or nil when none is held.
func (f *Flow) Token() *Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.token == nil {
		return nil
	}
	t := *f.token
	return &t
}

// RevokeToken submits the refresh and access tokens to the revocation
// endpoint, each independently, then drops the token locally. The client
// registration is kept and persisted.
func (f *Flow) RevokeToken(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.token == nil {
		return nil
	}
	if err := f.ensureMetadata(ctx); err != nil {
		return err
	}

	if endpoint := f.metadata.RevocationEndpoint; endpoint == "" {
		f.log.Debug("server advertises no revocation endpoint, dropping token locally")
	} else {
		if f.token.RefreshToken != "" {
			f.revokeOne(ctx, endpoint, f.token.RefreshToken, "refresh_token")
		}
		f.revokeOne(ctx, endpoint, f.token.AccessToken, "access_token")
	}

	f.token = nil
	f.persistLocked()
	return nil
}

// revokeOne best-effort revokes a single token. RFC 7009 servers answer
// 200 even for unknown tokens, so a failure here is only logged.
func (f *Flow) revokeOne(ctx context.Context, endpoint, token, hint string) {
	form := map[string]string{
		"token":           token,
		"token_type_hint": hint,
	}
	if f.client != nil {
		form["client_id"] = f.client.ClientID
		if f.client.ClientSecret != "" {
			form["client_secret"] = f.client.ClientSecret
		}
	}

	resp, err := f.tokenHTTP.PostForm(ctx, endpoint, form, nil)
	if resp != nil {
		defer func() { _ = resp.SafeClose() }()
	}
	if err != nil {
		f.log.Warn("token revocation failed", zap.String("token_type_hint", hint), zap.Error(err))
		return
	}
	if resp.StatusCode >= 300 {
		f.log.Warn("token revocation rejected",
			zap.String("token_type_hint", hint),
			zap.Int("status", resp.StatusCode))
	}
}
