package server

import (
	"github.com/jordanhw/chatwire/internal/crypto"
	"github.com/jordanhw/chatwire/internal/protocol"
)

// handleKeyExchange stores the client's public key and answers with the
// shared session key wrapped under it. The session key is created on
// the first exchange and reused for every later client.
func (s *Server) handleKeyExchange(sess *Session, env *protocol.Envelope) {
	username := sess.Username()

	key, err := crypto.ParsePublicKeyPEM(env.String("public_key"))
	if err != nil {
		sess.logger().WithError(err).Warn("rejecting unparseable client public key")
		sess.sendSystem("Invalid public key", protocol.SystemError)
		return
	}
	sess.setPeerKey(key)
	s.storeClientKey(username, key)
	sess.logger().Info("stored client public key")

	s.sendWrappedSessionKey(sess)
}

// handleAESKeyRequest re-sends the wrapped session key, e.g. when a
// client restarts its crypto state mid-session.
func (s *Server) handleAESKeyRequest(sess *Session, _ *protocol.Envelope) {
	if _, ok := s.clientKey(sess.Username()); !ok {
		sess.sendSystem("No public key on record, send KEY_EXCHANGE_REQUEST first", protocol.SystemError)
		return
	}
	s.sendWrappedSessionKey(sess)
}

func (s *Server) sendWrappedSessionKey(sess *Session) {
	username := sess.Username()
	key, ok := s.clientKey(username)
	if !ok {
		return
	}

	if err := s.crypto.EnsureSessionKey(); err != nil {
		sess.logger().WithError(err).Error("session key generation failed")
		sess.sendSystem("Key exchange failed", protocol.SystemError)
		return
	}
	wrapped, err := s.crypto.WrapSessionKey(key)
	if err != nil {
		sess.logger().WithError(err).Error("session key wrap failed")
		sess.sendSystem("Key exchange failed", protocol.SystemError)
		return
	}

	sess.Send(protocol.NewAESKeyExchange(wrapped, username))
	sess.logger().Info("sent wrapped session key")
}

// handleEncryptedMessage relays ciphertext without decrypting it,
// routing on the is_private flag.
func (s *Server) handleEncryptedMessage(sess *Session, env *protocol.Envelope) {
	sender := sess.Username()

	out := protocol.NewEncryptedMessage(
		env.String("encrypted_content"),
		sender,
		env.Recipient,
		env.Bool("is_private"),
	)

	if env.Bool("is_private") {
		recipient := env.Recipient
		if recipient == "" {
			recipient = env.String("recipient")
			out.To(recipient)
		}
		if recipient == "" {
			return
		}
		if !s.unicast(out, recipient) {
			sess.sendSystem("User "+recipient+" not found", protocol.SystemError)
		}
		return
	}

	s.hub.Broadcast(out, sess.id)
}
