package auth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/mcpauth/mcp-oauth-go/internal/errors"
)

const callbackSuccessPage = `<!DOCTYPE html>
<html>
<head><title>Authorization Successful</title></head>
<body>
	<h1>Authorization Successful</h1>
	<p>You can close this window and return to the application.</p>
</body>
</html>`

const callbackErrorPage = `<!DOCTYPE html>
<html>
<head><title>Authorization Failed</title></head>
<body>
	<h1>Authorization Failed</h1>
	<p>Return to the application and start a new authorization attempt.</p>
</body>
</html>`

// callbackResult carries the outcome of one authorization redirect
type callbackResult struct {
	code  string
	state string
	err   error
}

// callbackServer is a scoped one-shot listener for the authorization
// redirect. It is bound when an authorization request is built and torn
// down on every exit path of the wait, having accepted at most one
// redirect.
type callbackServer struct {
	srv      *http.Server
	addr     string
	path     string
	expected string
	results  chan callbackResult
	log      *zap.Logger

	mu        sync.Mutex
	completed bool
	closeOnce sync.Once
}

// newCallbackServer binds the host:port named by the redirect URI and
// serves its path. The port must be free: the redirect URI is registered
// with the client, so scanning for an alternative port would break the
// registration.
func newCallbackServer(redirectURI, expectedState string, logger *zap.Logger) (*callbackServer, error) {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect URI: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("redirect URI must include a host: %s", redirectURI)
	}
	path := parsed.Path
	if path == "" {
		path = "/"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &callbackServer{
		path:     path,
		expected: expectedState,
		results:  make(chan callbackResult, 1),
		log:      logger,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET(path, s.handle)

	listener, err := net.Listen("tcp", parsed.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to bind callback listener on %s: %w", parsed.Host, err)
	}
	s.addr = listener.Addr().String()
	s.srv = &http.Server{Handler: engine}

	go func() {
		if err := s.srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Warn("callback server error", zap.Error(err))
		}
	}()

	logger.Debug("callback server listening", zap.String("addr", s.addr), zap.String("path", path))

	return s, nil
}

func (s *callbackServer) handle(c *gin.Context) {
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		c.String(http.StatusBadRequest, "Authorization flow not in progress")
		return
	}
	s.completed = true
	s.mu.Unlock()

	query := c.Request.URL.Query()
	result := callbackResult{
		code:  query.Get("code"),
		state: query.Get("state"),
	}

	if errCode := query.Get("error"); errCode != "" {
		detail := query.Get("error_description")
		if detail == "" {
			detail = errCode
		}
		result.err = apperrors.New(apperrors.AuthorizationDenied, "authorization rejected").WithDetails(detail)
	} else if result.code == "" {
		result.err = apperrors.New(apperrors.MissingCode, "callback carried neither code nor error")
	}

	s.results <- result

	if result.err != nil || (s.expected != "" && result.state != s.expected) {
		c.Data(http.StatusBadRequest, "text/html; charset=utf-8", []byte(callbackErrorPage))
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(callbackSuccessPage))
}

// wait blocks until the redirect arrives, the timeout passes, or ctx is
// cancelled. The server is torn down on every exit path.
func (s *callbackServer) wait(ctx context.Context, timeout time.Duration) (code, state string, err error) {
	defer s.close()

	select {
	case result := <-s.results:
		return result.code, result.state, result.err
	case <-time.After(timeout):
		return "", "", apperrors.New(apperrors.CallbackTimeout, "timed out waiting for authorization callback")
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

func (s *callbackServer) close() {
	s.closeOnce.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("callback server shutdown", zap.Error(err))
		}
	})
}
