package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/jordanhw/chatwire/internal/protocol"
)

func (s *Server) handlePublicMessage(sess *Session, env *protocol.Envelope) {
	content := strings.TrimSpace(env.String("content"))
	if content == "" {
		return
	}
	sender := sess.Username()

	// Rebuild rather than forward: the server, not the client, decides
	// the sender attribution on relayed messages.
	out := protocol.NewPublicMessage(content, sender)
	sent := s.hub.Broadcast(out, sess.id)
	sess.logger().WithField("delivered", sent).Debug("public message broadcast")

	s.history.Append(ContextCommon, HistoryRecord{
		Content:   content,
		Sender:    sender,
		Timestamp: time.Now(),
	})
}

func (s *Server) handlePrivateMessage(sess *Session, env *protocol.Envelope) {
	content := strings.TrimSpace(env.String("content"))
	recipient := strings.TrimSpace(env.String("recipient"))
	if recipient == "" {
		recipient = strings.TrimSpace(env.Recipient)
	}
	if content == "" || recipient == "" {
		return
	}
	sender := sess.Username()

	out := protocol.NewPrivateMessage(content, sender, recipient)
	if !s.unicast(out, recipient) {
		sess.sendSystem(fmt.Sprintf("User %s not found", recipient), protocol.SystemError)
		return
	}
	sess.logger().WithField("to", recipient).Debug("private message delivered")

	s.history.Append(PrivateContext(sender, recipient), HistoryRecord{
		Content:   content,
		Sender:    sender,
		Recipient: recipient,
		Private:   true,
		Timestamp: time.Now(),
	})
}

func (s *Server) handleUserListRequest(sess *Session, _ *protocol.Envelope) {
	sess.Send(protocol.NewUserListResponse(s.registry.Usernames()))

	// The first user-list request after auth doubles as the signal that
	// the client is ready to receive replayed history.
	if sess.markHistorySent() {
		s.replayHistory(sess)
	}
}

// replayHistory sends recent public and private traffic plus completed
// transfer records to a freshly joined user.
func (s *Server) replayHistory(sess *Session) {
	username := sess.Username()

	for _, rec := range s.history.Recent(ContextCommon, 50) {
		msg := protocol.NewPublicMessage(rec.Content, rec.Sender)
		msg.Timestamp = protocol.Timestamp{Time: rec.Timestamp}
		sess.Send(msg)
	}

	for _, ctx := range s.history.PrivateContextsFor(username) {
		for _, rec := range s.history.Recent(ctx, 20) {
			msg := protocol.NewPrivateMessage(rec.Content, rec.Sender, rec.Recipient)
			msg.Timestamp = protocol.Timestamp{Time: rec.Timestamp}
			sess.Send(msg)
		}
	}

	for _, rec := range s.history.TransfersFor(username, 10) {
		line := fmt.Sprintf("[%s] File: %s (%s)", rec.Timestamp.Format("15:04"), rec.Filename, rec.Status)
		sess.sendSystem(line, protocol.SystemInfo)
	}
}
