package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/jordanhw/chatwire/internal/protocol"
)

func (s *Server) handleConnect(sess *Session, _ *protocol.Envelope) {
	sess.sendSystem("Connected to chat server", protocol.SystemInfo)
}

func (s *Server) handleDisconnect(sess *Session, _ *protocol.Envelope) {
	sess.logger().Info("client requested disconnect")
	sess.teardown()
}

// handleAuthRequest reserves the requested username. Failure leaves the
// connection open so the client can retry with another name; the
// queue-per-session writer guarantees the AUTH_RESPONSE reaches the
// client before the welcome notice without any timing tricks.
func (s *Server) handleAuthRequest(sess *Session, env *protocol.Envelope) {
	username := strings.TrimSpace(env.String("username"))

	if reason := rejectUsername(username); reason != "" {
		s.failAuth(sess, username, reason)
		return
	}
	if !s.registry.Reserve(username, sess.id) {
		s.failAuth(sess, username, "Username already taken")
		return
	}

	sess.setAuthenticated(username)
	sess.logger().Info("authenticated")

	sess.Send(protocol.NewAuthResponse(username, "success"))
	sess.sendSystem(fmt.Sprintf("Welcome %s!", username), protocol.SystemInfo)

	s.hub.Broadcast(protocol.NewSystemMessage(fmt.Sprintf("User %s joined the chat", username), protocol.SystemInfo), sess.id)
	s.broadcastUserList()
	s.hub.publish(PresenceEvent{
		Kind:     "join",
		Username: username,
		Online:   s.registry.Count(),
		Time:     time.Now(),
	})
}

func (s *Server) failAuth(sess *Session, username, reason string) {
	authErr := &AuthenticationError{Username: username, Reason: reason}
	sess.logger().WithError(authErr).Info("authentication rejected")
	sess.Send(protocol.NewAuthResponse(username, "failure"))
	sess.sendSystem(reason, protocol.SystemError)
}

// rejectUsername returns an actionable reason, or "" if the name is
// well-formed.
func rejectUsername(username string) string {
	switch {
	case username == "":
		return "Username cannot be empty"
	case len(username) > maxUsernameLen:
		return "Username too long (max 20 characters)"
	case !ValidateUsername(username):
		return "Username contains invalid characters"
	}
	return ""
}
