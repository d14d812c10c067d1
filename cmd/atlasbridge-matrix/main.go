// ABOUTME: Entry point for the atlasbridge Matrix bridge
// ABOUTME: Connects Matrix rooms to agent sessions via the routing core API

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
)

const banner = `
    ╭────────────────────────────────────╮
    │                                    │
    │      atlasbridge matrix bridge     │
    │                                    │
    ╰────────────────────────────────────╯
`

// getConfigPath returns the path to the matrix bridge config file.
// Priority: ATLASBRIDGE_MATRIX_CONFIG env var > XDG_CONFIG_HOME/atlasbridge/matrix-bridge.toml > ~/.config/atlasbridge/matrix-bridge.toml
func getConfigPath() string {
	if envPath := os.Getenv("ATLASBRIDGE_MATRIX_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "matrix-bridge.toml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "atlasbridge", "matrix-bridge.toml")
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	configPath := getConfigPath()

	cfg, err := Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	logger := setupLogger(cfg.Logging.Level)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Homeserver: %s\n", cfg.Matrix.Homeserver)
	green.Print("    ▶ ")
	fmt.Printf("User:       %s\n", cfg.Matrix.UserID)
	green.Print("    ▶ ")
	fmt.Printf("Core:       %s\n", cfg.Core.URL)
	fmt.Println()

	bridge, err := NewBridge(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting bridge")
	return bridge.Run(ctx)
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
