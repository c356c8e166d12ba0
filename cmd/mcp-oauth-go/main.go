package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mcpauth/mcp-oauth-go/auth"
	"github.com/mcpauth/mcp-oauth-go/auth/boltstore"
	"github.com/mcpauth/mcp-oauth-go/auth/keyringstore"
	"github.com/mcpauth/mcp-oauth-go/client"
	"github.com/mcpauth/mcp-oauth-go/internal/logging"
)

func main() {
	var serverURL string
	var callbackPort int
	var allowHTTP bool
	var transportMode string
	var storeKind string
	var clientID string
	var clientSecret string
	var clientName string
	var scopes string
	var logLevel string
	var logFile string
	var reset bool
	var revoke bool
	var headers flagList

	flag.StringVar(&serverURL, "server", "", "The MCP server URL to connect to")
	flag.IntVar(&callbackPort, "port", 3334, "The callback port for OAuth")
	flag.BoolVar(&allowHTTP, "allow-http", false, "Allow HTTP connections (only for trusted networks)")
	flag.StringVar(&transportMode, "transport", "auto", "Transport mode: auto, streamable-http, sse")
	flag.StringVar(&storeKind, "store", "file", "Credential store: file, bolt, keyring, memory")
	flag.StringVar(&clientID, "client-id", "", "Pre-registered OAuth client ID (skips dynamic registration)")
	flag.StringVar(&clientSecret, "client-secret", "", "OAuth client secret for the pre-registered client")
	flag.StringVar(&clientName, "client-name", "", "Client name sent during dynamic registration")
	flag.StringVar(&scopes, "scope", "", "Space-separated OAuth scopes to request")
	flag.StringVar(&logLevel, "log-level", logging.LevelInfo, "Log level: debug, info, warn, error")
	flag.StringVar(&logFile, "log-file", "", "Write logs to this file with rotation")
	flag.BoolVar(&reset, "reset", false, "Clear stored credentials for the server and exit")
	flag.BoolVar(&revoke, "revoke", false, "Revoke the stored tokens at the server and exit")
	flag.Var(&headers, "header", "Custom header to include in requests (format: 'Key:Value')")
	flag.Parse()

	// If server URL not provided as a flag, check if it's the first argument
	if serverURL == "" && len(flag.Args()) > 0 {
		serverURL = flag.Arg(0)

		// If port is provided as second argument
		if len(flag.Args()) > 1 {
			if _, err := fmt.Sscanf(flag.Arg(1), "%d", &callbackPort); err != nil {
				log.Printf("Warning: failed to parse callback port: %v", err)
			}
		}
	}

	if serverURL == "" {
		fmt.Println("Usage: mcp-oauth-go -server <server-url> [-port <callback-port>] [-allow-http] [-transport auto|streamable-http|sse] [-store file|bolt|keyring|memory] [-header 'Key:Value'] [-reset] [-revoke] ...")
		os.Exit(1)
	}

	// Validate URL scheme
	if !allowHTTP && !strings.HasPrefix(serverURL, "https://") {
		log.Fatal("Error: Only HTTPS URLs are allowed. Use -allow-http for insecure connections.")
	}

	// Validate transport mode
	mode := client.TransportMode(transportMode)
	switch mode {
	case client.ModeAuto, client.ModeStreamableHTTP, client.ModeSSE:
		// valid
	default:
		log.Fatalf("Error: Invalid transport mode '%s'. Must be one of: auto, streamable-http, sse", transportMode)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logLevel
	if logFile != "" {
		logCfg.EnableFile = true
		logCfg.Filename = logFile
	}
	logger, err := logging.Setup(logCfg)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	store, closeStore, err := newStore(storeKind, serverURL)
	if err != nil {
		logger.Fatal("failed to open credential store", zap.Error(err))
	}
	defer closeStore()

	remote, err := client.New(serverURL, &client.Options{
		Mode:    mode,
		Headers: parseHeaders(headers),
		Store:   store,
		Auth: &auth.Config{
			RedirectURI:  fmt.Sprintf("http://localhost:%d/callback", callbackPort),
			ClientID:     clientID,
			ClientSecret: clientSecret,
			ClientName:   clientName,
			Scopes:       strings.Fields(scopes),
		},
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("failed to create client", zap.Error(err))
	}

	if reset {
		if err := remote.Flow().Reset(true); err != nil {
			logger.Fatal("failed to clear stored credentials", zap.Error(err))
		}
		fmt.Printf("Cleared stored credentials for %s\n", serverURL)
		return
	}

	if revoke {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := remote.Flow().RevokeToken(ctx); err != nil {
			logger.Fatal("failed to revoke tokens", zap.Error(err))
		}
		fmt.Printf("Revoked tokens for %s\n", serverURL)
		return
	}

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		fmt.Println("\nShutting down...")
		cancel()
	}()

	result, err := remote.Connect(ctx)
	if err != nil {
		logger.Fatal("failed to connect", zap.Error(err))
	}
	defer func() { _ = remote.Close() }()

	fmt.Printf("Connected to %s %s (protocol %s)\n",
		result.ServerInfo.Name, result.ServerInfo.Version, result.ProtocolVersion)

	tools, err := remote.ListTools(ctx)
	if err != nil {
		logger.Warn("failed to list tools", zap.Error(err))
	} else {
		fmt.Printf("\nTools (%d):\n", len(tools.Tools))
		for _, tool := range tools.Tools {
			fmt.Printf("  %s - %s\n", tool.Name, firstLine(tool.Description))
		}
	}

	resources, err := remote.ListResources(ctx)
	if err != nil {
		logger.Warn("failed to list resources", zap.Error(err))
	} else {
		fmt.Printf("\nResources (%d):\n", len(resources.Resources))
		for _, resource := range resources.Resources {
			fmt.Printf("  %s - %s\n", resource.URI, resource.Name)
		}
	}
}

// newStore builds the credential store selected by the -store flag. The
// returned func releases store resources and is safe to call always.
func newStore(kind, serverURL string) (auth.Store, func(), error) {
	noop := func() {}
	switch kind {
	case "memory":
		return auth.NewMemoryStore(), noop, nil
	case "file":
		store, err := auth.NewFileStore(auth.DefaultStorePath(serverURL))
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil
	case "bolt":
		db, err := boltstore.Open(boltstore.DefaultPath())
		if err != nil {
			return nil, noop, err
		}
		return db.StoreFor(serverURL), func() { _ = db.Close() }, nil
	case "keyring":
		return keyringstore.New(serverURL), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown store kind %q, expected file, bolt, keyring or memory", kind)
	}
}

// firstLine truncates multi-line tool descriptions for listing
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// parseHeaders converts repeated 'Key:Value' flags to a map
func parseHeaders(headers flagList) map[string]string {
	headerMap := make(map[string]string)
	for _, h := range headers {
		parts := strings.SplitN(h, ":", 2)
		if len(parts) == 2 {
			headerMap[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return headerMap
}

// flagList is a custom flag type to handle multiple header entries
type flagList []string

func (f *flagList) String() string {
	return fmt.Sprint(*f)
}

func (f *flagList) Set(value string) error {
	*f = append(*f, value)
	return nil
}
