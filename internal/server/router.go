package server

import (
	"github.com/sirupsen/logrus"

	"github.com/jordanhw/chatwire/internal/protocol"
)

type handlerFunc func(*Session, *protocol.Envelope)

// Router holds the fixed table from envelope type to handler and gates
// everything except the connection/auth envelopes behind
// authentication.
type Router struct {
	handlers map[protocol.MessageType]handlerFunc
	log      *logrus.Entry
}

func newRouter() *Router {
	return &Router{
		handlers: make(map[protocol.MessageType]handlerFunc),
		log:      logrus.WithField("component", "router"),
	}
}

func (r *Router) handle(t protocol.MessageType, fn handlerFunc) {
	r.handlers[t] = fn
}

// preAuthTypes may arrive before the session authenticates.
var preAuthTypes = map[protocol.MessageType]bool{
	protocol.TypeConnect:     true,
	protocol.TypeDisconnect:  true,
	protocol.TypeAuthRequest: true,
}

// dispatch routes one inbound envelope. Unknown types are logged and
// ignored so newer peers do not break older servers.
func (r *Router) dispatch(s *Session, env *protocol.Envelope) {
	if !s.Authenticated() && !preAuthTypes[env.Type] {
		s.sendSystem("Not authenticated", protocol.SystemError)
		return
	}

	fn, ok := r.handlers[env.Type]
	if !ok {
		r.log.WithField("type", env.Type).Warn("no handler for message type")
		return
	}
	fn(s, env)
}
