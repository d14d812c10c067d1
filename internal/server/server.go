// ABOUTME: HTTP API server exposing the routing core to agents and bridges
// ABOUTME: Listens on plain TCP or a Tailscale tsnet node depending on config

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/tsnet"

	"github.com/atlasbridge/atlasbridge/internal/auth"
	"github.com/atlasbridge/atlasbridge/internal/channels"
	"github.com/atlasbridge/atlasbridge/internal/config"
	"github.com/atlasbridge/atlasbridge/internal/conversation"
	"github.com/atlasbridge/atlasbridge/internal/router"
	"github.com/atlasbridge/atlasbridge/internal/store"
)

// Server owns the HTTP API and its listener.
type Server struct {
	config      *config.Config
	registry    *conversation.Registry
	router      *router.Router
	store       *store.SQLiteStore
	tokens      *auth.JWTTokens
	channels    *channels.Manager
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// New creates the API server over the routing core.
func New(
	cfg *config.Config,
	registry *conversation.Registry,
	rt *router.Router,
	st *store.SQLiteStore,
	tokens *auth.JWTTokens,
	manager *channels.Manager,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:   cfg,
		registry: registry,
		router:   rt,
		store:    st,
		tokens:   tokens,
		channels: manager,
		logger:   logger.With("component", "server"),
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/ready", s.handleReady)

	mux.HandleFunc("/api/bindings", s.handleBindings)
	mux.HandleFunc("/api/messages", s.handleMessages)
	mux.HandleFunc("/api/prompts", s.handleCreatePrompt)
	mux.HandleFunc("/api/prompts/", s.handleGetPrompt)
	mux.HandleFunc("/api/sessions/", s.handleSessionRoutes)
	mux.HandleFunc("/api/bind-tokens", s.handleBindTokens)

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving on the configured listener and blocks until the
// context is canceled or the server fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := s.listen(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.gracefulShutdown()
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

// listen creates the TCP or tsnet listener per config.
func (s *Server) listen(ctx context.Context) (net.Listener, error) {
	if !s.config.Tailscale.Enabled {
		ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
		if err != nil {
			return nil, fmt.Errorf("listening on %s: %w", s.config.Server.HTTPAddr, err)
		}
		return ln, nil
	}
	return s.setupTailscaleListener(ctx)
}

// setupTailscaleListener creates a tsnet server and returns its HTTP listener.
func (s *Server) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := s.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	var tsAddr string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	}
	s.logger.Info("tailscale node ready", "hostname", tsCfg.Hostname, "tailscale_ip", tsAddr)

	ln, err := s.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)
	if s.tsnetServer != nil {
		if closeErr := s.tsnetServer.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// resolveTailscaleStateDir returns the state directory, using a default
// under the user's home if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "atlasbridge", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}
