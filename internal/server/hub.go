package server

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordanhw/chatwire/internal/protocol"
)

// PresenceEvent describes a membership change, published to ops feed
// subscribers.
type PresenceEvent struct {
	Kind     string    `json:"kind"` // "join" or "leave"
	Username string    `json:"username"`
	Online   int       `json:"online"`
	Time     time.Time `json:"time"`
}

// Hub tracks live sessions and fans envelopes out to them. Delivery
// runs against a snapshot of the session table so a slow or
// disconnecting peer never blocks the others.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	subs     map[chan PresenceEvent]struct{}
	log      *logrus.Entry
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]*Session),
		subs:     make(map[chan PresenceEvent]struct{}),
		log:      logrus.WithField("component", "hub"),
	}
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	total := len(h.sessions)
	h.mu.Unlock()
	h.log.WithFields(logrus.Fields{"session": s.id[:8], "total": total}).Info("session registered")
}

// unregister removes a session and reports whether it was present.
func (h *Hub) unregister(id string) bool {
	h.mu.Lock()
	_, ok := h.sessions[id]
	delete(h.sessions, id)
	total := len(h.sessions)
	h.mu.Unlock()
	if ok {
		h.log.WithFields(logrus.Fields{"session": id[:8], "total": total}).Info("session unregistered")
	}
	return ok
}

func (h *Hub) get(id string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[id]
}

func (h *Hub) snapshot() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// Broadcast queues the envelope on every authenticated session except
// the excluded one and returns the delivered count. Per-session send
// failures are logged and do not abort the fan-out.
func (h *Hub) Broadcast(env *protocol.Envelope, excludeSessionID string) int {
	sent := 0
	for _, s := range h.snapshot() {
		if s.id == excludeSessionID || !s.Authenticated() {
			continue
		}
		if s.Send(env) {
			sent++
		} else {
			h.log.WithFields(logrus.Fields{
				"session": s.id[:8],
				"type":    env.Type,
			}).Warn("broadcast delivery failed")
		}
	}
	return sent
}

// Count returns the number of connected sessions, authenticated or not.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// AuthenticatedCount returns the number of authenticated sessions.
func (h *Hub) AuthenticatedCount() int {
	n := 0
	for _, s := range h.snapshot() {
		if s.Authenticated() {
			n++
		}
	}
	return n
}

// Subscribe registers a presence-event listener. The returned cancel
// func must be called to release it.
func (h *Hub) Subscribe() (<-chan PresenceEvent, func()) {
	ch := make(chan PresenceEvent, 16)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

// publish delivers a presence event to all subscribers without
// blocking; a subscriber that has fallen behind misses the event.
func (h *Hub) publish(ev PresenceEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
