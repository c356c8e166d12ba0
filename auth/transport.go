package auth

import (
	"net/http"
)

// Transport returns an http.RoundTripper that injects the flow's access
// token into outgoing requests and transparently retries once after a
// refresh when the server answers 401. A nil base uses
// http.DefaultTransport.
func (f *Flow) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &authTransport{flow: f, base: base}
}

type authTransport struct {
	flow *Flow
	base http.RoundTripper
}

// RoundTrip attaches a bearer token and performs the request. A 401 with
// a refresh token in hand triggers exactly one refresh and one replay; a
// second 401 is returned to the caller untouched.
func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.flow.AccessToken(req.Context())
	if err != nil {
		return nil, err
	}

	first := req.Clone(req.Context())
	first.Header.Set("Authorization", "Bearer "+token)
	resp, err := t.base.RoundTrip(first)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	current := t.flow.Token()
	if current == nil || current.RefreshToken == "" {
		return resp, nil
	}
	if req.Body != nil && req.GetBody == nil {
		// A consumed streaming body cannot be replayed.
		return resp, nil
	}

	refreshed, err := t.flow.Refresh(req.Context())
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	resp.Body.Close()

	retry := req.Clone(req.Context())
	retry.Header.Set("Authorization", "Bearer "+refreshed.AccessToken)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	return t.base.RoundTrip(retry)
}
