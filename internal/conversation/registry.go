// ABOUTME: In-memory registry mapping (channel, thread) keys to bindings
// ABOUTME: Serializes all operations per binding while unrelated keys proceed concurrently

package conversation

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Registry errors.
var (
	// ErrBindingNotFound means no binding exists for the (channel, thread) key.
	ErrBindingNotFound = errors.New("binding not found")

	// ErrAlreadyBound means a live, non-expired binding for the key already
	// points at a different session.
	ErrAlreadyBound = errors.New("thread already bound to another session")
)

// DefaultTTL is the inactivity window after which a binding expires.
const DefaultTTL = 4 * time.Hour

// entry wraps a binding with its serialization lock. All reads and writes of
// the binding go through mu. Once removed is set the entry is dead and any
// waiter must re-resolve through the registry map.
type entry struct {
	mu      sync.Mutex
	removed bool
	binding Binding
}

// Registry owns all live conversation bindings. The map itself is guarded by
// a registry-wide RWMutex; each binding carries its own lock so that the
// lookup → gate → transition → touch sequence for one thread never
// interleaves with another message on the same thread, while messages on
// different threads proceed independently.
//
// Lock order is always registry lock before entry lock, and Update callbacks
// must never call back into the registry.
type Registry struct {
	mu      sync.RWMutex
	entries map[Key]*entry

	ttl     time.Duration
	now     func() time.Time
	onEvict func(key Key)
	logger  *slog.Logger
}

// NewRegistry creates a registry with the given inactivity TTL.
// A zero ttl selects DefaultTTL.
func NewRegistry(ttl time.Duration, logger *slog.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[Key]*entry),
		ttl:     ttl,
		now:     time.Now,
		logger:  logger.With("component", "registry"),
	}
}

// TTL returns the configured inactivity window.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// SetEvictHook registers fn, called with the key of every binding the sweep
// evicts. Used to drop the binding's persisted snapshot. Must be set during
// wiring, before the registry is shared.
func (r *Registry) SetEvictHook(fn func(key Key)) {
	r.onEvict = fn
}

// Resolve returns a copy of the binding for (channel, thread).
// Expired-but-unswept bindings are still returned; the gate distinguishes
// expiry from absence.
func (r *Registry) Resolve(channel, threadID string) (Binding, error) {
	key := Key{Channel: channel, ThreadID: threadID}
	for {
		r.mu.RLock()
		e := r.entries[key]
		r.mu.RUnlock()
		if e == nil {
			return Binding{}, ErrBindingNotFound
		}

		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		b := e.binding
		e.mu.Unlock()
		return b, nil
	}
}

// Bind attaches a thread to a session. A fresh binding starts in idle.
// Re-binding to the same session is idempotent and only refreshes activity.
// A live binding to a different session fails with ErrAlreadyBound, but a
// binding that has silently exceeded the TTL is treated as absent and
// replaced.
func (r *Registry) Bind(channel, threadID, sessionID, identity string) (Binding, error) {
	key := Key{Channel: channel, ThreadID: threadID}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		e.mu.Lock()
		switch {
		case e.binding.Expired(now, r.ttl):
			// Expired and not yet swept: replace as if absent.
			e.removed = true
			oldSession := e.binding.SessionID
			e.mu.Unlock()
			r.logger.Debug("replacing expired binding", "key", key.String(), "old_session", oldSession)
		case e.binding.SessionID == sessionID:
			e.binding.LastActivityAt = now
			b := e.binding
			e.mu.Unlock()
			return b, nil
		default:
			e.mu.Unlock()
			return Binding{}, ErrAlreadyBound
		}
	}

	b := Binding{
		Channel:        channel,
		ThreadID:       threadID,
		SessionID:      sessionID,
		Identity:       identity,
		State:          StateIdle,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	r.entries[key] = &entry{binding: b}
	r.logger.Info("thread bound",
		"channel", channel,
		"thread", threadID,
		"session", sessionID,
		"identity", identity,
	)
	return b, nil
}

// Restore installs a previously persisted binding, resetting it to idle:
// whatever the agent was doing when the snapshot was taken did not survive.
// An existing live binding for the same key is left untouched and
// ErrAlreadyBound is returned.
func (r *Registry) Restore(b *Binding) error {
	key := Key{Channel: b.Channel, ThreadID: b.ThreadID}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[key]; ok {
		return ErrAlreadyBound
	}

	restored := *b
	restored.State = StateIdle
	restored.ActivePromptID = ""
	r.entries[key] = &entry{binding: restored}
	r.logger.Debug("binding restored", "key", key.String(), "session", restored.SessionID)
	return nil
}

// Touch refreshes the binding's last-activity timestamp.
func (r *Registry) Touch(channel, threadID string) error {
	return r.Update(channel, threadID, func(b *Binding) error {
		b.LastActivityAt = r.now()
		return nil
	})
}

// Unbind removes the binding immediately, regardless of state.
func (r *Registry) Unbind(channel, threadID string) error {
	key := Key{Channel: channel, ThreadID: threadID}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return ErrBindingNotFound
	}

	e.mu.Lock()
	e.removed = true
	session := e.binding.SessionID
	e.mu.Unlock()

	delete(r.entries, key)
	r.logger.Info("thread unbound", "channel", channel, "thread", threadID, "session", session)
	return nil
}

// Update runs fn with exclusive ownership of the binding for (channel,
// thread). The binding may be mutated in place; no other operation on the
// same key runs concurrently. fn must not call back into the registry.
func (r *Registry) Update(channel, threadID string, fn func(b *Binding) error) error {
	key := Key{Channel: channel, ThreadID: threadID}
	for {
		r.mu.RLock()
		e := r.entries[key]
		r.mu.RUnlock()
		if e == nil {
			return ErrBindingNotFound
		}

		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		err := fn(&e.binding)
		e.mu.Unlock()
		return err
	}
}

// UpdateSession runs fn against every binding currently attached to the
// session, under each binding's own serialization. Used to fan a session
// lifecycle event out across channels.
func (r *Registry) UpdateSession(sessionID string, fn func(b *Binding) error) int {
	var updated int
	for _, key := range r.keysForSession(sessionID) {
		err := r.Update(key.Channel, key.ThreadID, func(b *Binding) error {
			if b.SessionID != sessionID {
				// Rebound to another session between snapshot and lock.
				return nil
			}
			return fn(b)
		})
		if err == nil {
			updated++
		}
	}
	return updated
}

// BindingsForSession returns copies of all bindings attached to a session.
// A session may fan out to zero, one, or many threads across channels.
func (r *Registry) BindingsForSession(sessionID string) []Binding {
	var out []Binding
	for _, key := range r.keysForSession(sessionID) {
		b, err := r.Resolve(key.Channel, key.ThreadID)
		if err == nil && b.SessionID == sessionID {
			out = append(out, b)
		}
	}
	return out
}

// List returns a copy of every live binding.
func (r *Registry) List() []Binding {
	r.mu.RLock()
	keys := make([]Key, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	r.mu.RUnlock()

	out := make([]Binding, 0, len(keys))
	for _, key := range keys {
		if b, err := r.Resolve(key.Channel, key.ThreadID); err == nil {
			out = append(out, b)
		}
	}
	return out
}

// UnbindSession removes every binding attached to the session and returns
// the number removed. Called when the underlying session ends.
func (r *Registry) UnbindSession(sessionID string) int {
	var removed int
	for _, key := range r.keysForSession(sessionID) {
		b, err := r.Resolve(key.Channel, key.ThreadID)
		if err != nil || b.SessionID != sessionID {
			continue
		}
		if r.Unbind(key.Channel, key.ThreadID) == nil {
			removed++
		}
	}
	return removed
}

// SweepExpired transitions every binding idle past the TTL to stopped and
// removes it. Each binding is swept under the same per-key serialization as
// message handling, so a sweep never races an in-flight message on the same
// record. Returns the number of bindings evicted.
func (r *Registry) SweepExpired(now time.Time) int {
	r.mu.RLock()
	keys := make([]Key, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	r.mu.RUnlock()

	var evicted int
	for _, key := range keys {
		if r.sweepOne(key, now) {
			evicted++
			if r.onEvict != nil {
				r.onEvict(key)
			}
		}
	}
	return evicted
}

// sweepOne evicts the binding at key if it is expired. Holding the registry
// write lock for the whole check keeps Bind and Unbind from racing the
// eviction, and the entry lock keeps it ordered against in-flight Updates.
func (r *Registry) sweepOne(key Key, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed || !e.binding.Expired(now, r.ttl) {
		return false
	}

	if e.binding.State != StateStopped {
		if err := e.binding.Transition(StateStopped, now); err != nil {
			// Unreachable with the current table: every state may stop.
			r.logger.Warn("sweep transition rejected", "key", key.String(), "error", err)
		}
	}
	e.removed = true
	delete(r.entries, key)

	r.logger.Info("binding expired",
		"channel", key.Channel,
		"thread", key.ThreadID,
		"session", e.binding.SessionID,
		"idle", now.Sub(e.binding.LastActivityAt).Round(time.Second).String(),
	)
	return true
}

// Len returns the number of live bindings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// keysForSession snapshots the keys of all bindings pointing at sessionID.
func (r *Registry) keysForSession(sessionID string) []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var keys []Key
	for key, e := range r.entries {
		e.mu.Lock()
		match := !e.removed && e.binding.SessionID == sessionID
		e.mu.Unlock()
		if match {
			keys = append(keys, key)
		}
	}
	return keys
}
