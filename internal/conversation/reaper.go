// ABOUTME: Background reaper that periodically sweeps expired bindings
// ABOUTME: Runs on a fixed interval until closed

package conversation

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultSweepInterval is how often the reaper scans for expired bindings.
const DefaultSweepInterval = 5 * time.Minute

// Reaper periodically evicts bindings that have exceeded the registry TTL.
// Sweeps use the registry's per-binding serialization, so a sweep and an
// in-flight message never race on the same record.
type Reaper struct {
	registry *Registry
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

// NewReaper creates a reaper and starts its background sweep goroutine.
// A zero interval selects DefaultSweepInterval. Call Close to stop it.
func NewReaper(registry *Registry, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reaper{
		registry: registry,
		interval: interval,
		logger:   logger.With("component", "reaper"),
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Reaper) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := r.registry.SweepExpired(time.Now()); n > 0 {
				r.logger.Info("swept expired bindings", "count", n)
			}
		case <-r.done:
			return
		}
	}
}

// Close stops the background sweep goroutine. Safe to call multiple times.
func (r *Reaper) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.closed {
		close(r.done)
		r.closed = true
	}
}
