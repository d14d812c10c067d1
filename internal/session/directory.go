// ABOUTME: Static session directory built from configuration
// ABOUTME: Answers the router's allowlist, policy, and session-known questions

package session

import (
	"strings"
	"sync"

	"github.com/atlasbridge/atlasbridge/internal/config"
)

// record holds the admission rules for one declared session.
type record struct {
	allowedUsers    map[string]bool
	blockedPatterns []string
}

// Directory is the set of agent sessions the bridge will route to, with
// per-session allowlists and blocked input patterns. Sessions not declared
// here are unknown and never reachable from a channel.
type Directory struct {
	mu       sync.RWMutex
	sessions map[string]*record
}

// NewDirectory builds a directory from the configured session list.
func NewDirectory(configs []config.SessionConfig) *Directory {
	d := &Directory{sessions: make(map[string]*record)}
	for _, sc := range configs {
		r := &record{
			allowedUsers:    make(map[string]bool, len(sc.AllowedUsers)),
			blockedPatterns: append([]string(nil), sc.BlockedPatterns...),
		}
		for _, u := range sc.AllowedUsers {
			r.allowedUsers[u] = true
		}
		d.sessions[sc.ID] = r
	}
	return d
}

// IsKnown reports whether the session is declared.
func (d *Directory) IsKnown(sessionID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.sessions[sessionID]
	return ok
}

// IsAllowlisted reports whether the identity may talk to the session. A
// session with an empty allowlist accepts any identity that reached it
// through a valid bind.
func (d *Directory) IsAllowlisted(sessionID, identity string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	r, ok := d.sessions[sessionID]
	if !ok {
		return false
	}
	if len(r.allowedUsers) == 0 {
		return true
	}
	return r.allowedUsers[identity]
}

// Allows reports whether the text passes the session's blocked patterns.
// Matching is a case-insensitive substring check.
func (d *Directory) Allows(sessionID, text string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	r, ok := d.sessions[sessionID]
	if !ok {
		return false
	}
	lower := strings.ToLower(text)
	for _, pattern := range r.blockedPatterns {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return false
		}
	}
	return true
}

// Add registers a session at runtime, replacing any previous declaration.
func (d *Directory) Add(sc config.SessionConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r := &record{
		allowedUsers:    make(map[string]bool, len(sc.AllowedUsers)),
		blockedPatterns: append([]string(nil), sc.BlockedPatterns...),
	}
	for _, u := range sc.AllowedUsers {
		r.allowedUsers[u] = true
	}
	d.sessions[sc.ID] = r
}

// Remove forgets a session.
func (d *Directory) Remove(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, sessionID)
}
