// Package protocol defines the wire envelope exchanged between chatwire
// peers and the length-prefixed codec that frames it on a byte stream.
package protocol

import (
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of payload an envelope carries.
type MessageType string

// Message types understood by the core. Unknown types are ignored by
// receivers so new types can be introduced without breaking old peers.
const (
	TypeConnect    MessageType = "CONNECT"
	TypeDisconnect MessageType = "DISCONNECT"

	TypeAuthRequest  MessageType = "AUTH_REQUEST"
	TypeAuthResponse MessageType = "AUTH_RESPONSE"

	TypePublicMessage  MessageType = "PUBLIC_MESSAGE"
	TypePrivateMessage MessageType = "PRIVATE_MESSAGE"
	TypeSystemMessage  MessageType = "SYSTEM_MESSAGE"

	TypeUserListRequest  MessageType = "USER_LIST_REQUEST"
	TypeUserListResponse MessageType = "USER_LIST_RESPONSE"

	TypeKeyExchangeRequest MessageType = "KEY_EXCHANGE_REQUEST"
	TypeAESKeyExchange     MessageType = "AES_KEY_EXCHANGE"
	TypeEncryptedMessage   MessageType = "ENCRYPTED_MESSAGE"

	TypeFileTransferRequest  MessageType = "FILE_TRANSFER_REQUEST"
	TypeFileTransferResponse MessageType = "FILE_TRANSFER_RESPONSE"
	TypeFileChunk            MessageType = "FILE_CHUNK"
	TypeFileTransferComplete MessageType = "FILE_TRANSFER_COMPLETE"
)

// System message sub-kinds carried in the "system_message_type" data field.
const (
	SystemInfo  = "info"
	SystemError = "error"
)

// RecipientGlobal is the sentinel recipient meaning "every online user".
const RecipientGlobal = "GLOBAL"

// Envelope is one complete protocol message. Envelopes are treated as
// immutable once constructed; ID is unique per envelope, not per
// conversation.
type Envelope struct {
	Type      MessageType            `json:"message_type"`
	Data      map[string]interface{} `json:"data"`
	Sender    string                 `json:"sender,omitempty"`
	Recipient string                 `json:"recipient,omitempty"`
	Timestamp Timestamp              `json:"timestamp"`
	ID        string                 `json:"message_id"`
}

// New constructs an envelope with a fresh id and the current time.
// The timestamp is truncated to microseconds so an envelope survives a
// wire round trip field-for-field.
func New(t MessageType, data map[string]interface{}) *Envelope {
	if data == nil {
		data = map[string]interface{}{}
	}
	return &Envelope{
		Type:      t,
		Data:      data,
		Timestamp: Timestamp{time.Now().Truncate(time.Microsecond)},
		ID:        uuid.NewString(),
	}
}

// From sets the sender and returns the envelope for chaining during
// construction.
func (e *Envelope) From(sender string) *Envelope {
	e.Sender = sender
	return e
}

// To sets the recipient and returns the envelope for chaining during
// construction.
func (e *Envelope) To(recipient string) *Envelope {
	e.Recipient = recipient
	return e
}

// String returns the named data field as a string, or "" if it is absent
// or not a string.
func (e *Envelope) String(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// Bool returns the named data field as a bool.
func (e *Envelope) Bool(key string) bool {
	b, _ := e.Data[key].(bool)
	return b
}

// Int returns the named data field as an int. JSON numbers decode as
// float64, so both forms are accepted.
func (e *Envelope) Int(key string) int {
	switch v := e.Data[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// Int64 returns the named data field as an int64.
func (e *Envelope) Int64(key string) int64 {
	switch v := e.Data[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

// Strings returns the named data field as a string slice.
func (e *Envelope) Strings(key string) []string {
	switch v := e.Data[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
