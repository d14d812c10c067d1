// ABOUTME: Manager owns the lifecycle of all registered channel adapters
// ABOUTME: Routes outbound notifications to the adapter that owns a thread

package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Manager manages all registered channels, handling their lifecycle and
// routing outbound deliveries to the correct adapter.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
	logger   *slog.Logger
}

// NewManager creates a channel manager. Channels are registered via Register.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		channels: make(map[string]Channel),
		logger:   logger.With("component", "channels"),
	}
}

// Register adds a channel adapter under its own name.
func (m *Manager) Register(c Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[c.Name()] = c
}

// Get returns the adapter for a channel name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.channels[name]
	return c, ok
}

// StartAll starts every registered channel.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.channels) == 0 {
		m.logger.Warn("no channels enabled")
		return nil
	}

	for name, channel := range m.channels {
		m.logger.Info("starting channel", "channel", name)
		if err := channel.Start(ctx); err != nil {
			return fmt.Errorf("starting channel %s: %w", name, err)
		}
	}
	return nil
}

// StopAll gracefully stops every registered channel.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, channel := range m.channels {
		m.logger.Info("stopping channel", "channel", name)
		if err := channel.Stop(ctx); err != nil {
			m.logger.Error("error stopping channel", "channel", name, "error", err)
		}
	}
}

// NotifyPrompt delivers a prompt notification into a thread on the named
// channel.
func (m *Manager) NotifyPrompt(ctx context.Context, channel, threadID string, n Notification) error {
	c, ok := m.Get(channel)
	if !ok {
		return fmt.Errorf("unknown channel %q", channel)
	}
	return c.NotifyPrompt(ctx, threadID, n)
}

// SendText delivers a plain message into a thread on the named channel.
func (m *Manager) SendText(ctx context.Context, channel, threadID, text string) error {
	c, ok := m.Get(channel)
	if !ok {
		return fmt.Errorf("unknown channel %q", channel)
	}
	return c.SendText(ctx, threadID, text)
}
