package auth

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	apperrors "github.com/mcpauth/mcp-oauth-go/internal/errors"
)

func startCallbackServer(t *testing.T, expectedState string) *callbackServer {
	t.Helper()

	s, err := newCallbackServer("http://127.0.0.1:0/callback", expectedState, nil)
	if err != nil {
		t.Fatalf("newCallbackServer failed: %v", err)
	}
	t.Cleanup(s.close)
	return s
}

func getCallback(t *testing.T, s *callbackServer, params url.Values) (int, string) {
	t.Helper()

	resp, err := http.Get("http://" + s.addr + "/callback?" + params.Encode())
	if err != nil {
		t.Fatalf("callback request failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read callback response: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestCallbackSuccess(t *testing.T) {
	s := startCallbackServer(t, "expected-state")

	status, body := getCallback(t, s, url.Values{
		"code":  {"auth-code-123"},
		"state": {"expected-state"},
	})
	if status != http.StatusOK {
		t.Errorf("Expected status 200, got %d", status)
	}
	if !strings.Contains(body, "Authorization Successful") {
		t.Errorf("Expected success page, got: %s", body)
	}

	code, state, err := s.wait(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if code != "auth-code-123" {
		t.Errorf("Expected code auth-code-123, got %s", code)
	}
	if state != "expected-state" {
		t.Errorf("Expected state expected-state, got %s", state)
	}
}

func TestCallbackErrorParam(t *testing.T) {
	s := startCallbackServer(t, "expected-state")

	status, body := getCallback(t, s, url.Values{
		"error":             {"access_denied"},
		"error_description": {"user declined the request"},
		"state":             {"expected-state"},
	})
	if status != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", status)
	}
	if !strings.Contains(body, "Authorization Failed") {
		t.Errorf("Expected error page, got: %s", body)
	}

	_, _, err := s.wait(context.Background(), time.Second)
	if !apperrors.IsType(err, apperrors.AuthorizationDenied) {
		t.Fatalf("Expected AuthorizationDenied, got %v", err)
	}
	if !strings.Contains(err.Error(), "user declined the request") {
		t.Errorf("Expected error_description in error, got: %v", err)
	}
}

func TestCallbackErrorWithoutDescription(t *testing.T) {
	s := startCallbackServer(t, "expected-state")

	getCallback(t, s, url.Values{
		"error": {"access_denied"},
		"state": {"expected-state"},
	})

	_, _, err := s.wait(context.Background(), time.Second)
	if !apperrors.IsType(err, apperrors.AuthorizationDenied) {
		t.Fatalf("Expected AuthorizationDenied, got %v", err)
	}
	if !strings.Contains(err.Error(), "access_denied") {
		t.Errorf("Expected raw error code in error, got: %v", err)
	}
}

func TestCallbackMissingCode(t *testing.T) {
	s := startCallbackServer(t, "expected-state")

	status, _ := getCallback(t, s, url.Values{
		"state": {"expected-state"},
	})
	if status != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", status)
	}

	_, _, err := s.wait(context.Background(), time.Second)
	if !apperrors.IsType(err, apperrors.MissingCode) {
		t.Fatalf("Expected MissingCode, got %v", err)
	}
}

func TestCallbackSecondRequestRejected(t *testing.T) {
	s := startCallbackServer(t, "expected-state")

	getCallback(t, s, url.Values{
		"code":  {"first"},
		"state": {"expected-state"},
	})
	status, body := getCallback(t, s, url.Values{
		"code":  {"second"},
		"state": {"expected-state"},
	})
	if status != http.StatusBadRequest {
		t.Errorf("Expected status 400 for second request, got %d", status)
	}
	if !strings.Contains(body, "not in progress") {
		t.Errorf("Expected flow-not-in-progress response, got: %s", body)
	}

	code, _, err := s.wait(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if code != "first" {
		t.Errorf("Expected first code to win, got %s", code)
	}
}

func TestCallbackTimeout(t *testing.T) {
	s := startCallbackServer(t, "expected-state")

	_, _, err := s.wait(context.Background(), 50*time.Millisecond)
	if !apperrors.IsType(err, apperrors.CallbackTimeout) {
		t.Fatalf("Expected CallbackTimeout, got %v", err)
	}
}

func TestCallbackContextCancelled(t *testing.T) {
	s := startCallbackServer(t, "expected-state")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := s.wait(ctx, time.Second)
	if err != context.Canceled {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

func TestCallbackServerClosedAfterWait(t *testing.T) {
	s := startCallbackServer(t, "expected-state")

	getCallback(t, s, url.Values{
		"code":  {"auth-code"},
		"state": {"expected-state"},
	})
	if _, _, err := s.wait(context.Background(), time.Second); err != nil {
		t.Fatalf("wait failed: %v", err)
	}

	if _, err := http.Get("http://" + s.addr + "/callback"); err == nil {
		t.Error("Expected request after teardown to fail")
	}
}

func TestCallbackInvalidRedirectURI(t *testing.T) {
	if _, err := newCallbackServer("not-a-url", "state", nil); err == nil {
		t.Error("Expected error for redirect URI without a host")
	}
}
