// session.go — The session registry and the once-cache.
// A session is the isolation unit for concurrent runs: its own browser
// context, capture, and run state. What persists across runs in the
// same session is the once-cache, scoped per (pack, session), holding
// the writes of every once-step that already executed.
package runner

import (
	"sync"
	"time"
)

// OnceRecord is the persisted effect of one executed once-step.
type OnceRecord struct {
	Vars         map[string]any
	Collectibles map[string]any
}

// OnceCache maps step id to its recorded writes.
type OnceCache map[string]OnceRecord

type sessionKey struct {
	packID    string
	sessionID string
}

type sessionEntry struct {
	once     OnceCache
	lastUsed time.Time
}

// SessionRegistry tracks per-(pack, session) state across runs in one
// process.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[sessionKey]*sessionEntry
}

// NewSessionRegistry builds an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[sessionKey]*sessionEntry)}
}

// DefaultRegistry backs runs that don't bring their own registry.
var DefaultRegistry = NewSessionRegistry()

// Once returns the once-cache for a (pack, session) pair, creating it
// on first use. An empty session id gets a cache that no other run
// shares.
func (r *SessionRegistry) Once(packID, sessionID string) OnceCache {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sessionID == "" {
		return OnceCache{}
	}
	key := sessionKey{packID: packID, sessionID: sessionID}
	entry, ok := r.sessions[key]
	if !ok {
		entry = &sessionEntry{once: OnceCache{}}
		r.sessions[key] = entry
	}
	entry.lastUsed = time.Now()
	return entry.once
}

// Forget drops a session's state, used when a host tears a session down.
func (r *SessionRegistry) Forget(packID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionKey{packID: packID, sessionID: sessionID})
}
