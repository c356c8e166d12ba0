// Package client connects to remote MCP servers, running the OAuth
// authorization flow when a server demands it.
package client

import (
	"context"
	"fmt"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/mcpauth/mcp-oauth-go/auth"
	"github.com/mcpauth/mcp-oauth-go/client/transport"
)

// Version identifies this client to MCP servers.
const Version = "0.1.0"

// TransportMode selects how the remote server is reached.
type TransportMode string

const (
	// ModeAuto tries streamable HTTP first, then falls back to SSE.
	ModeAuto TransportMode = "auto"
	// ModeStreamableHTTP uses the streamable HTTP transport only.
	ModeStreamableHTTP TransportMode = "streamable-http"
	// ModeSSE uses the SSE transport only.
	ModeSSE TransportMode = "sse"
)

// Options configures a Remote.
type Options struct {
	// Mode selects the transport. Defaults to ModeAuto.
	Mode TransportMode

	// Headers are sent on every MCP request, the auth probe included.
	Headers map[string]string

	// Store persists auth state across sessions. Defaults to keeping
	// state in memory only.
	Store auth.Store

	// Auth configures the OAuth flow.
	Auth *auth.Config

	// ClientName and ClientVersion are reported to the server during
	// initialization.
	ClientName    string
	ClientVersion string

	Logger *zap.Logger
}

// Remote is an authenticated connection to a remote MCP server.
type Remote struct {
	serverURL string
	mode      TransportMode
	headers   map[string]string
	name      string
	version   string
	flow      *auth.Flow
	log       *zap.Logger

	transport     *transport.AuthTransport
	mcp           *mcpclient.Client
	notifyHandler func(mcp.JSONRPCNotification)
}

// New prepares a connection to the given MCP server. Connect must be
// called before the client is used.
func New(serverURL string, opts *Options) (*Remote, error) {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.Mode == "" {
		o.Mode = ModeAuto
	}
	if o.ClientName == "" {
		o.ClientName = "mcp-oauth-go"
	}
	if o.ClientVersion == "" {
		o.ClientVersion = Version
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	var authCfg auth.Config
	if o.Auth != nil {
		authCfg = *o.Auth
	}
	if authCfg.Headers == nil {
		authCfg.Headers = o.Headers
	}
	if authCfg.Logger == nil {
		authCfg.Logger = o.Logger
	}

	flow, err := auth.NewFlow(serverURL, o.Store, &authCfg)
	if err != nil {
		return nil, err
	}

	return &Remote{
		serverURL: serverURL,
		mode:      o.Mode,
		headers:   o.Headers,
		name:      o.ClientName,
		version:   o.ClientVersion,
		flow:      flow,
		log:       o.Logger,
	}, nil
}

// Flow exposes the underlying auth flow, for callers that need direct
// control over tokens.
func (r *Remote) Flow() *auth.Flow {
	return r.flow
}

// Connect probes the server, runs the authorization flow when demanded,
// establishes a transport, and initializes the MCP session.
func (r *Remote) Connect(ctx context.Context) (*mcp.InitializeResult, error) {
	status, err := r.flow.IsAuthRequired(ctx)
	if err != nil {
		return nil, err
	}
	if status.Required && !status.Authenticated {
		r.log.Info("server requires authorization")
		if _, err := r.flow.Authorize(ctx); err != nil {
			return nil, err
		}
	}

	trans, err := r.connectTransport(ctx)
	if err != nil {
		return nil, err
	}
	r.transport = trans
	if r.notifyHandler != nil {
		trans.SetNotificationHandler(r.notifyHandler)
	}
	r.mcp = mcpclient.NewClient(trans)

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = auth.MCPProtocolVersion
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    r.name,
		Version: r.version,
	}
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}

	result, err := r.mcp.Initialize(ctx, initRequest)
	if err != nil {
		trans.Close()
		return nil, fmt.Errorf("failed to initialize MCP session: %w", err)
	}

	r.log.Info("MCP session initialized",
		zap.String("server_name", result.ServerInfo.Name),
		zap.String("protocol_version", result.ProtocolVersion))

	return result, nil
}

func (r *Remote) connectTransport(ctx context.Context) (*transport.AuthTransport, error) {
	switch r.mode {
	case ModeStreamableHTTP:
		return r.startTransport(ctx, transport.NewStreamableHTTPFactory(r.serverURL))
	case ModeSSE:
		return r.startTransport(ctx, transport.NewSSEFactory(r.serverURL))
	default:
		trans, httpErr := r.startTransport(ctx, transport.NewStreamableHTTPFactory(r.serverURL))
		if httpErr == nil {
			return trans, nil
		}
		r.log.Warn("streamable HTTP transport failed, falling back to SSE", zap.Error(httpErr))
		trans, sseErr := r.startTransport(ctx, transport.NewSSEFactory(r.serverURL))
		if sseErr != nil {
			return nil, fmt.Errorf("no transport could connect: streamable HTTP: %v, SSE: %v", httpErr, sseErr)
		}
		return trans, nil
	}
}

func (r *Remote) startTransport(ctx context.Context, factory transport.Factory) (*transport.AuthTransport, error) {
	trans := transport.New(r.flow, factory, r.headers, r.log)
	if err := trans.Start(ctx); err != nil {
		trans.Close()
		return nil, err
	}
	return trans, nil
}

// Client returns the underlying MCP client. Valid after Connect.
func (r *Remote) Client() *mcpclient.Client {
	return r.mcp
}

// OnNotification registers a handler for server-initiated notifications.
// The handler survives transport rebuilds during re-authentication.
func (r *Remote) OnNotification(handler func(mcp.JSONRPCNotification)) {
	r.notifyHandler = handler
	if r.transport != nil {
		r.transport.SetNotificationHandler(handler)
	}
}

func (r *Remote) session() (*mcpclient.Client, error) {
	if r.mcp == nil {
		return nil, fmt.Errorf("not connected, call Connect first")
	}
	return r.mcp, nil
}

// ListTools fetches the server's tool catalog.
func (r *Remote) ListTools(ctx context.Context) (*mcp.ListToolsResult, error) {
	session, err := r.session()
	if err != nil {
		return nil, err
	}
	return session.ListTools(ctx, mcp.ListToolsRequest{})
}

// ListResources fetches the server's resource catalog.
func (r *Remote) ListResources(ctx context.Context) (*mcp.ListResourcesResult, error) {
	session, err := r.session()
	if err != nil {
		return nil, err
	}
	return session.ListResources(ctx, mcp.ListResourcesRequest{})
}

// CallTool invokes a named tool with the given arguments.
func (r *Remote) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	session, err := r.session()
	if err != nil {
		return nil, err
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return session.CallTool(ctx, req)
}

// Close tears down the MCP session and its transport.
func (r *Remote) Close() error {
	if r.transport == nil {
		return nil
	}
	return r.transport.Close()
}
