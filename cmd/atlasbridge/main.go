// ABOUTME: Entry point for the atlasbridge routing server
// ABOUTME: Binds chat threads to agent sessions and relays prompts between them

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/atlasbridge/atlasbridge/internal/auth"
	"github.com/atlasbridge/atlasbridge/internal/channels"
	"github.com/atlasbridge/atlasbridge/internal/channels/telegram"
	"github.com/atlasbridge/atlasbridge/internal/config"
	"github.com/atlasbridge/atlasbridge/internal/conversation"
	"github.com/atlasbridge/atlasbridge/internal/dedupe"
	"github.com/atlasbridge/atlasbridge/internal/inject"
	"github.com/atlasbridge/atlasbridge/internal/router"
	"github.com/atlasbridge/atlasbridge/internal/server"
	"github.com/atlasbridge/atlasbridge/internal/session"
	"github.com/atlasbridge/atlasbridge/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
       _   _           _          _     _
  __ _| |_| | __ _ ___| |__  _ __(_) __| | __ _  ___
 / _' | __| |/ _' / __| '_ \| '__| |/ _' |/ _' |/ _ \
| (_| | |_| | (_| \__ \ |_) | |  | | (_| | (_| |  __/
 \__,_|\__|_|\__,_|___/_.__/|_|  |_|\__,_|\__, |\___|
                                          |___/
`

// getConfigPath returns the path to the config file.
// Priority: ATLASBRIDGE_CONFIG env var > XDG_CONFIG_HOME/atlasbridge/config.yaml > ~/.config/atlasbridge/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("ATLASBRIDGE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "atlasbridge", "config.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: atlasbridge <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the routing server")
		fmt.Println("  health    Check server health")
		fmt.Println("  bindings  List active thread bindings")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "bindings":
		err = runBindings(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Sessions: %d\n", len(cfg.Sessions))

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Channels.Telegram.Enabled {
		green.Print("    ▶ ")
		fmt.Println("Channel:  telegram")
	}

	fmt.Println()

	logger.Info("starting atlasbridge",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	registry := conversation.NewRegistry(cfg.Registry.TTL, logger)
	restored, err := st.RehydrateRegistry(ctx, registry)
	if err != nil {
		return fmt.Errorf("rehydrating bindings: %w", err)
	}
	if restored > 0 {
		logger.Info("restored bindings from store", "count", restored)
	}

	registry.SetEvictHook(func(key conversation.Key) {
		if err := st.DeleteBinding(context.Background(), key.Channel, key.ThreadID); err != nil {
			logger.Error("failed to drop expired binding snapshot", "key", key.String(), "error", err)
		}
	})

	reaper := conversation.NewReaper(registry, cfg.Registry.SweepInterval, logger)
	defer reaper.Close()

	// Stale prompts expire on the same cadence as binding sweeps.
	go func() {
		interval := cfg.Registry.SweepInterval
		if interval <= 0 {
			interval = conversation.DefaultSweepInterval
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := st.ExpirePrompts(ctx)
				if err != nil {
					logger.Warn("expiring prompts failed", "error", err)
				} else if n > 0 {
					logger.Info("expired stale prompts", "count", n)
				}
			}
		}
	}()

	directory := session.NewDirectory(cfg.Sessions)
	injector := inject.New(cfg.Agent.InjectURL, cfg.Agent.AuthToken, cfg.Agent.Timeout, logger)
	resolver := store.NewResolver(st, injector, logger)
	rt := router.New(registry, directory, directory, directory, injector, resolver, logger)
	rt.SetSnapshotStore(st)

	tokens := auth.NewJWTTokens([]byte(cfg.Auth.JWTSecret))

	manager := channels.NewManager(logger)
	if cfg.Channels.Telegram.Enabled {
		seen := dedupe.New(dedupe.DefaultTTL, dedupe.DefaultMaxSize)
		defer seen.Close()

		tg, err := telegram.New(cfg.Channels.Telegram.BotToken, rt, tokens, seen, logger)
		if err != nil {
			return fmt.Errorf("creating telegram channel: %w", err)
		}
		manager.Register(tg)
	}

	if err := manager.StartAll(ctx); err != nil {
		return fmt.Errorf("starting channels: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		manager.StopAll(stopCtx)
	}()

	srv := server.New(cfg, registry, rt, st, tokens, manager, logger)
	return srv.Start(ctx)
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runBindings(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/api/bindings", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("listing bindings failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("listing bindings: status %d", resp.StatusCode)
	}

	var list struct {
		Bindings []struct {
			Channel        string `json:"channel"`
			ThreadID       string `json:"thread_id"`
			SessionID      string `json:"session_id"`
			Identity       string `json:"identity"`
			State          string `json:"state"`
			LastActivityAt string `json:"last_activity_at"`
		} `json:"bindings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	if len(list.Bindings) == 0 {
		fmt.Println("No active bindings")
		return nil
	}

	for _, b := range list.Bindings {
		fmt.Printf("%s/%s -> %s  [%s]  identity=%s  last_activity=%s\n",
			b.Channel, b.ThreadID, b.SessionID, b.State, b.Identity, b.LastActivityAt)
	}
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
