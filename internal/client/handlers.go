package client

import (
	"fmt"
	"time"

	"github.com/jordanhw/chatwire/internal/protocol"
)

func (c *Client) handleAuthResponse(env *protocol.Envelope) {
	if env.String("status") != "success" {
		// The server explains the rejection in a follow-up system
		// error on the same stream. Give it a moment to land so the
		// caller sees the actual reason; fall back to a generic one
		// only if no explanation arrives.
		go func() {
			select {
			case <-time.After(500 * time.Millisecond):
			case <-c.done:
			}
			c.completeAuth(&AuthenticationError{
				Username: c.Username(),
				Reason:   "rejected by server",
			})
		}()
		return
	}

	c.mu.Lock()
	c.authenticated = true
	username := c.username
	c.mu.Unlock()

	// Offer our public key right away so the server can hand back the
	// wrapped session key.
	if pem, err := c.crypto.PublicKeyPEM(); err != nil {
		c.log.WithError(err).Warn("Failed to encode public key, staying in plaintext")
	} else if err := c.writeEnvelope(protocol.NewKeyExchangeRequest(pem, username)); err != nil {
		c.log.WithError(err).Warn("Key exchange send failed, staying in plaintext")
	}

	c.completeAuth(nil)
}

func (c *Client) handleChatMessage(env *protocol.Envelope) {
	c.publish(Event{
		Kind:    EventMessage,
		Sender:  env.Sender,
		Content: env.String("content"),
		Private: env.Type == protocol.TypePrivateMessage,
	})
}

func (c *Client) handleSystemMessage(env *protocol.Envelope) {
	content := env.String("content")
	if env.String("system_message_type") == protocol.SystemError {
		// An error before the auth verdict is the verdict.
		if !c.Connected() {
			c.completeAuth(&AuthenticationError{Username: c.Username(), Reason: content})
		}
		c.publish(Event{Kind: EventSystemError, Content: content})
		return
	}
	c.publish(Event{Kind: EventSystemInfo, Content: content})
}

func (c *Client) handleUserListResponse(env *protocol.Envelope) {
	c.publish(Event{Kind: EventUserList, Users: env.Strings("users")})
}

func (c *Client) handleAESKeyExchange(env *protocol.Envelope) {
	if err := c.crypto.UnwrapSessionKey(env.String("encrypted_aes_key")); err != nil {
		c.log.WithError(err).Error("Failed to unwrap session key")
		c.publish(Event{Kind: EventSystemError, Content: fmt.Sprintf("encryption setup failed: %v", err)})
		return
	}
	c.log.Debug("Session key installed, messages are now encrypted")
}

func (c *Client) handleEncryptedMessage(env *protocol.Envelope) {
	plaintext, err := c.crypto.Decrypt(env.String("encrypted_content"))
	if err != nil {
		c.log.WithError(err).WithField("sender", env.Sender).Error("Failed to decrypt message")
		return
	}
	c.publish(Event{
		Kind:    EventMessage,
		Sender:  env.Sender,
		Content: plaintext,
		Private: env.Bool("is_private"),
	})
}
