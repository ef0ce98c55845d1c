package server

import (
	"sort"
	"sync"
	"time"
)

const maxUsernameLen = 20

// Registry maps usernames to sessions. Every operation takes the single
// registry mutex so a check-then-reserve sequence can never interleave
// with another reservation of the same name.
type Registry struct {
	mu       sync.Mutex
	byName   map[string]registryEntry
	bySessID map[string]string
}

type registryEntry struct {
	sessionID string
	joinedAt  time.Time
}

// NewRegistry returns an empty username registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:   make(map[string]registryEntry),
		bySessID: make(map[string]string),
	}
}

// ValidateUsername checks format only: non-empty after trimming, at most
// 20 characters, and limited to letters, digits, spaces, underscores,
// and hyphens.
func ValidateUsername(username string) bool {
	if username == "" || len(username) > maxUsernameLen {
		return false
	}
	for _, r := range username {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == ' ' || r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// Reserve atomically claims a username for a session. Reserving a name
// the same session already holds is idempotent and succeeds; any other
// collision fails.
func (r *Registry) Reserve(username, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[username]; ok {
		return existing.sessionID == sessionID
	}
	if _, ok := r.bySessID[sessionID]; ok {
		// One username per session.
		return false
	}
	r.byName[username] = registryEntry{sessionID: sessionID, joinedAt: time.Now()}
	r.bySessID[sessionID] = username
	return true
}

// Release frees whatever username the session holds and returns it, or
// "" if the session held none. Safe to call twice.
func (r *Registry) Release(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	username, ok := r.bySessID[sessionID]
	if !ok {
		return ""
	}
	delete(r.bySessID, sessionID)
	delete(r.byName, username)
	return username
}

// Lookup returns the session id holding a username.
func (r *Registry) Lookup(username string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.byName[username]
	return entry.sessionID, ok
}

// Usernames returns the currently reserved names, sorted for stable
// user-list payloads.
func (r *Registry) Usernames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of reserved usernames.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byName)
}
