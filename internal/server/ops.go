package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// opsServer is the HTTP side surface: liveness, counters, and a
// read-only WebSocket feed of presence events for dashboards. It never
// touches the chat wire protocol.
type opsServer struct {
	srv  *Server
	http *http.Server
	log  *logrus.Entry

	allowAll bool
	origins  map[string]struct{}
}

func newOpsServer(srv *Server) *opsServer {
	ops := &opsServer{
		srv:     srv,
		log:     logrus.WithField("component", "ops"),
		origins: make(map[string]struct{}),
	}
	for _, origin := range srv.cfg.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			ops.allowAll = true
			continue
		}
		if normalized, ok := normalizeOrigin(origin); ok {
			ops.origins[normalized] = struct{}{}
		} else if origin != "" {
			ops.log.WithField("origin", origin).Warn("ignoring invalid origin in configuration")
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", ops.handleHealth)
	mux.HandleFunc("/stats", ops.handleStats)
	mux.HandleFunc("/events", ops.handleEvents)

	ops.http = &http.Server{
		Addr:         srv.cfg.OpsAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return ops
}

func (o *opsServer) run() {
	o.log.WithField("addr", o.http.Addr).Info("ops server listening")
	if err := o.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		o.log.WithError(err).Error("ops server failed")
	}
}

func (o *opsServer) shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := o.http.Shutdown(ctx); err != nil {
		o.log.WithError(err).Warn("ops server shutdown")
	}
}

func (o *opsServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "ok")
}

func (o *opsServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := map[string]interface{}{
		"connections":      o.srv.hub.Count(),
		"authenticated":    o.srv.hub.AuthenticatedCount(),
		"active_transfers": o.srv.transfers.Len(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

// handleEvents upgrades to WebSocket and streams presence events until
// the subscriber goes away.
func (o *opsServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     o.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		o.log.WithError(err).Warn("feed upgrade failed")
		return
	}
	defer conn.Close()

	events, cancel := o.srv.hub.Subscribe()
	defer cancel()

	// Reads are discarded; the feed is one-way. The read pump only
	// notices the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-gone:
			return
		case <-o.srv.quit:
			return
		}
	}
}

func (o *opsServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients; the feed is read-only.
		return true
	}
	if o.allowAll {
		return true
	}
	normalized, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	_, allowed := o.origins[normalized]
	if !allowed {
		o.log.WithField("origin", origin).Warn("blocked feed connection from disallowed origin")
	}
	return allowed
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
