// Command chat-relay starts the real-time chat relay.
//
// It supports two modes:
//  1. "serve" (default) – runs the HTTP server exposing the WebSocket chat, the REST API, and an /mcp HTTP endpoint
//  2. "mcp" – runs an MCP stdio server and spins up an internal HTTP API if none is available
//
// Settings come from the environment and an optional .env file. Flags
// override host/port, debug logging, and ngrok tunneling for easy external
// access during development.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"
	"golang.ngrok.com/ngrok"
	ngrokConfig "golang.ngrok.com/ngrok/config"

	"github.com/wricardo/chat-relay/api"
	"github.com/wricardo/chat-relay/chat/broker"
	"github.com/wricardo/chat-relay/chat/config"
	"github.com/wricardo/chat-relay/chat/presence"
	"github.com/wricardo/chat-relay/chat/service"
	"github.com/wricardo/chat-relay/chat/session"
	"github.com/wricardo/chat-relay/chat/store/backend"
	"github.com/wricardo/chat-relay/transport/mcp"
	"github.com/wricardo/chat-relay/transport/websocket"
)

// Version information
const (
	Version = "1.0.0"
	AppName = "Chat Relay"
)

// externalURL is checked by the mcp mode before starting an internal API.
const externalURL = "http://localhost:8080"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", AppName, err)
		os.Exit(1)
	}
}

// newCommand builds the CLI. Running it without a subcommand serves HTTP.
func newCommand() *cli.Command {
	return &cli.Command{
		Name:    "chat-relay",
		Usage:   "multi-room websocket chat relay",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "env-file", Value: ".env", Usage: "load environment variables from this file when it exists"},
			&cli.StringFlag{Name: "host", Usage: "HTTP server host (overrides CHAT_HOST)"},
			&cli.IntFlag{Name: "port", Usage: "HTTP server port (overrides CHAT_PORT)"},
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
			&cli.BoolFlag{Name: "ngrok", Usage: "enable ngrok tunnel (needs NGROK_AUTHTOKEN)"},
		},
		Commands: []*cli.Command{
			{
				Name:    "serve",
				Aliases: []string{"server", "http"},
				Usage:   "run the HTTP server with WebSocket chat, REST API, and MCP endpoint",
				Action:  runServe,
			},
			{
				Name:    "mcp",
				Aliases: []string{"stdio-mcp", "mcp-stdio"},
				Usage:   "run an MCP stdio server, starting an internal HTTP API when none is reachable",
				Action:  runStdioMCP,
			},
		},
		Action: runServe,
	}
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	root := cmd.Root()
	cfg, err := config.Load(root.String("env-file"))
	if err != nil {
		return nil, err
	}

	if root.IsSet("host") {
		cfg.Host = root.String("host")
	}
	if root.IsSet("port") {
		cfg.Port = int(root.Int("port"))
	}
	if root.Bool("debug") {
		cfg.LogLevel = "debug"
	}
	if root.Bool("ngrok") {
		cfg.NgrokEnabled = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the process logger. Output goes to w so the mcp mode can
// keep stdout free for the protocol.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// relay holds the wired components of one running server.
type relay struct {
	manager *session.Manager
	handler http.Handler
	logger  *slog.Logger
	closers []func() error
}

// Close releases the broker and the store.
func (r *relay) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	return errors.Join(errs...)
}

// Shutdown disconnects every client, then closes the components.
func (r *relay) Shutdown(ctx context.Context) error {
	err := r.manager.Shutdown(ctx)
	return errors.Join(err, r.Close())
}

// newRelay wires store, broker, presence, sessions, and HTTP handlers.
// mcpBaseURL is where the /mcp endpoint sends its REST calls.
func newRelay(ctx context.Context, cfg *config.Config, logger *slog.Logger, mcpBaseURL string) (*relay, error) {
	r := &relay{logger: logger}

	st, err := backend.Open(ctx, cfg.Store, cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store, err)
	}
	r.closers = append(r.closers, st.Close)

	b, p := newBroker(ctx, cfg, logger)
	r.closers = append(r.closers, b.Close)

	r.manager = session.NewManager(b, p, st,
		session.WithHistoryLimit(cfg.HistoryLimit),
		session.WithLogger(logger),
	)

	chatService := service.NewChatService(b, p, st, r.manager, logger)
	wsHandler := websocket.NewHandler(r.manager,
		websocket.WithAllowedOrigins(cfg.AllowedOrigins),
		websocket.WithSendBuffer(cfg.SendBuffer),
		websocket.WithLogger(logger),
	)
	apiServer := api.NewServer(chatService, wsHandler, logger)

	// Create main router that combines API and MCP
	mainRouter := http.NewServeMux()
	mainRouter.Handle("/", apiServer)
	mainRouter.Handle("/mcp", mcp.NewClient(mcpBaseURL))
	r.handler = mainRouter

	return r, nil
}

// newBroker connects to Redis when REDIS_URL is set. An unreachable Redis
// falls back to the in-process hub so a single instance still works.
func newBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (broker.Broker, presence.Registry) {
	if cfg.RedisURL != "" {
		b, p, err := newRedisBroker(ctx, cfg, logger)
		if err == nil {
			logger.Info("using redis broker", "prefix", cfg.RedisPrefix)
			return b, p
		}
		logger.Warn("redis unavailable, falling back to in-process broker", "error", err)
	}

	// the hub outlives the signal so shutdown can still announce leaves;
	// relay.Close stops it
	hub := broker.NewHub(logger)
	go hub.Run(context.WithoutCancel(ctx))
	return hub, presence.NewMemory()
}

func newRedisBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (broker.Broker, presence.Registry, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	b, err := broker.NewRedis(pingCtx, client, cfg.RedisPrefix, logger)
	if err != nil {
		client.Close()
		return nil, nil, err
	}

	registry := presence.NewRedis(client, cfg.RedisPrefix)
	hbCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		registry.Heartbeat(hbCtx)
	}()

	rb := &redisBroker{Redis: b, client: client, stopHeartbeat: func() { stop(); <-hbDone }}
	return rb, registry, nil
}

// redisBroker releases the presence lease and closes the shared client after
// the subscription.
type redisBroker struct {
	*broker.Redis
	client        *redis.Client
	stopHeartbeat func()
}

func (b *redisBroker) Close() error {
	b.stopHeartbeat()
	return errors.Join(b.Redis.Close(), b.client.Close())
}

// runServe starts the HTTP server with the chat websocket, REST API, and an
// /mcp proxy endpoint. If ngrok is enabled it also provisions a public tunnel.
func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stderr)
	slog.SetDefault(logger)

	addr := cfg.Addr()
	logger.Info("starting", "app", AppName, "version", Version, "store", cfg.Store)

	r, err := newRelay(ctx, cfg, logger, "http://"+addr)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      r.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// serveCtx also stops the tunnel when the HTTP server dies
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	serveErr := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()

		logger.Info("HTTP server listening", "addr", addr)
		logger.Info("endpoints",
			"websocket", fmt.Sprintf("ws://%s/ws/chat/", addr),
			"api", fmt.Sprintf("http://%s/api/rooms", addr),
			"mcp", fmt.Sprintf("http://%s/mcp", addr),
		)

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			cancel()
		}
	}()

	if cfg.NgrokEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runNgrok(serveCtx, cfg, r.handler, logger)
		}()
	}

	<-serveCtx.Done()
	logger.Info("shutting down")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := r.Shutdown(shutdownCtx); err != nil {
		logger.Warn("relay shutdown", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown", "error", err)
	}

	wg.Wait()
	logger.Info("server stopped")

	select {
	case err := <-serveErr:
		return fmt.Errorf("HTTP server failed: %w", err)
	default:
		return nil
	}
}

// runNgrok serves handler through an ngrok tunnel until ctx is done.
func runNgrok(ctx context.Context, cfg *config.Config, handler http.Handler, logger *slog.Logger) {
	logger = logger.With("component", "ngrok")
	logger.Info("starting ngrok tunnel")

	var tunnel ngrokConfig.Tunnel
	if cfg.NgrokDomain != "" {
		tunnel = ngrokConfig.HTTPEndpoint(ngrokConfig.WithDomain(cfg.NgrokDomain))
		logger.Info("using custom ngrok domain", "domain", cfg.NgrokDomain)
	} else {
		tunnel = ngrokConfig.HTTPEndpoint()
	}

	tun, err := ngrok.Listen(ctx, tunnel, ngrok.WithAuthtoken(cfg.NgrokAuthToken))
	if err != nil {
		logger.Error("failed to start ngrok tunnel", "error", err)
		return
	}

	go func() {
		<-ctx.Done()
		if err := tun.Close(); err != nil {
			logger.Warn("failed to close ngrok tunnel", "error", err)
		}
	}()

	url := tun.URL()
	logger.Info("ngrok tunnel established",
		"url", url,
		"websocket", url+"/ws/chat/",
		"api", url+"/api/rooms",
		"mcp", url+"/mcp",
	)

	if err := http.Serve(tun, handler); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		logger.Warn("ngrok server error", "error", err)
	}
	logger.Info("ngrok tunnel closed")
}

// runStdioMCP runs an MCP stdio server. It reuses an external API at
// http://localhost:8080 when one answers; otherwise it starts an internal
// HTTP API bound to a random loopback port and targets that.
func runStdioMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// stdout carries the protocol
	logger := newLogger(cfg, os.Stderr)
	slog.SetDefault(logger)

	baseURL := externalURL
	if !apiReachable(ctx, externalURL) {
		logger.Info("no external API server found, starting internal HTTP server")

		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("failed to get available port: %w", err)
		}
		baseURL = "http://" + listener.Addr().String()

		r, err := newRelay(ctx, cfg, logger, baseURL)
		if err != nil {
			listener.Close()
			return err
		}

		httpServer := &http.Server{Handler: r.handler}
		go func() {
			if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("internal HTTP server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			r.Shutdown(shutdownCtx)
			httpServer.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("MCP stdio server ready", "api", baseURL)
	if err := server.ServeStdio(mcp.NewClient(baseURL).GetMCPServer()); err != nil {
		return fmt.Errorf("MCP stdio server error: %w", err)
	}
	return nil
}

// apiReachable reports whether a chat relay answers at baseURL.
func apiReachable(ctx context.Context, baseURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
