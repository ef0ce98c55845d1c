// Package client implements the chatwire client boundary: a single TCP
// connection to a chat server, authentication, transparent end-to-end
// encryption once the key exchange settles, and file transfers. Calls
// are safe from any goroutine; everything the server pushes comes back
// on the Events channel.
package client

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordanhw/chatwire/internal/crypto"
	"github.com/jordanhw/chatwire/internal/protocol"
	"github.com/jordanhw/chatwire/internal/transfer"
)

const (
	defaultAuthTimeout = 5 * time.Second
	eventQueueSize     = 256
)

// AuthenticationError reports a rejected join attempt.
type AuthenticationError struct {
	Username string
	Reason   string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for %q: %s", e.Username, e.Reason)
}

// ConnectionError reports a socket-level failure.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Config carries client settings. Zero values get sane defaults.
type Config struct {
	// Addr is the server's host:port.
	Addr string
	// DownloadDir is where accepted incoming files are written.
	DownloadDir string
	// AuthTimeout bounds the wait for the server's auth verdict.
	AuthTimeout time.Duration
	// Log receives client diagnostics. Defaults to the standard logger.
	Log *logrus.Logger
}

type handlerFunc func(*protocol.Envelope)

// Client is one connection to a chat server.
type Client struct {
	cfg       Config
	log       *logrus.Entry
	crypto    *crypto.Engine
	transfers *transfer.Manager
	handlers  map[protocol.MessageType]handlerFunc

	conn    net.Conn
	writeMu sync.Mutex

	events  chan Event
	done    chan struct{}
	closing sync.Once

	mu            sync.Mutex
	username      string
	authenticated bool
	intentional   bool
	eventsClosed  bool
	streaming     map[string]bool

	authCh chan error
}

// New builds a disconnected client. Generating the RSA identity happens
// here so Connect can offer the public key as soon as the server admits
// the user.
func New(cfg Config) (*Client, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:8888"
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = "downloads"
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	engine, err := crypto.NewEngine()
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:       cfg,
		log:       cfg.Log.WithField("component", "client"),
		crypto:    engine,
		transfers: transfer.NewManager(),
		events:    make(chan Event, eventQueueSize),
		done:      make(chan struct{}),
		streaming: make(map[string]bool),
		authCh:    make(chan error, 1),
	}
	c.handlers = map[protocol.MessageType]handlerFunc{
		protocol.TypeAuthResponse:         c.handleAuthResponse,
		protocol.TypePublicMessage:        c.handleChatMessage,
		protocol.TypePrivateMessage:       c.handleChatMessage,
		protocol.TypeSystemMessage:        c.handleSystemMessage,
		protocol.TypeUserListResponse:     c.handleUserListResponse,
		protocol.TypeAESKeyExchange:       c.handleAESKeyExchange,
		protocol.TypeEncryptedMessage:     c.handleEncryptedMessage,
		protocol.TypeFileTransferRequest:  c.handleFileTransferRequest,
		protocol.TypeFileTransferResponse: c.handleFileTransferResponse,
		protocol.TypeFileChunk:            c.handleFileChunk,
		protocol.TypeFileTransferComplete: c.handleFileTransferComplete,
	}
	return c, nil
}

// Events returns the notification channel. It is closed when the
// connection ends.
func (c *Client) Events() <-chan Event { return c.events }

// Username returns the name this client joined under.
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// Encrypted reports whether the key exchange has completed and message
// bodies travel as ciphertext.
func (c *Client) Encrypted() bool { return c.crypto.HasSessionKey() }

// Connected reports whether the client holds an authenticated session.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// Connect dials the server, requests the given username, and blocks
// until the server accepts or rejects it. On success the key exchange
// has already been sent and notifications flow on Events. A Client is
// single-use: after a failed or closed connection, build a new one.
func (c *Client) Connect(username string) error {
	conn, err := net.Dial("tcp", c.cfg.Addr)
	if err != nil {
		return &ConnectionError{Op: "dial " + c.cfg.Addr, Err: err}
	}
	c.mu.Lock()
	c.conn = conn
	c.username = username
	c.mu.Unlock()

	go c.readLoop()

	if err := c.writeEnvelope(protocol.NewAuthRequest(username)); err != nil {
		c.teardown()
		return err
	}

	select {
	case err := <-c.authCh:
		if err != nil {
			c.teardown()
			return err
		}
	case <-time.After(c.cfg.AuthTimeout):
		c.teardown()
		return &AuthenticationError{Username: username, Reason: "timed out waiting for server"}
	case <-c.done:
		return &ConnectionError{Op: "authenticate", Err: fmt.Errorf("connection closed")}
	}

	c.log.WithField("username", username).Info("Connected to chat server")
	return nil
}

// Disconnect announces the departure and closes the connection. Safe to
// call more than once.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.intentional = true
	connected := c.conn != nil
	c.mu.Unlock()
	if connected {
		// Best effort; the server also handles a plain socket close.
		_ = c.writeEnvelope(protocol.NewDisconnect().From(c.Username()))
	}
	c.teardown()
}

// SendPublic sends a message to every online user. The content is
// encrypted when the key exchange has completed.
func (c *Client) SendPublic(content string) error {
	username, err := c.requireAuth()
	if err != nil {
		return err
	}
	if c.crypto.HasSessionKey() {
		ciphertext, err := c.crypto.Encrypt(content)
		if err != nil {
			return err
		}
		return c.writeEnvelope(protocol.NewEncryptedMessage(ciphertext, username, "", false))
	}
	return c.writeEnvelope(protocol.NewPublicMessage(content, username))
}

// SendPrivate sends a message to a single user.
func (c *Client) SendPrivate(recipient, content string) error {
	username, err := c.requireAuth()
	if err != nil {
		return err
	}
	if c.crypto.HasSessionKey() {
		ciphertext, err := c.crypto.Encrypt(content)
		if err != nil {
			return err
		}
		return c.writeEnvelope(protocol.NewEncryptedMessage(ciphertext, username, recipient, true))
	}
	return c.writeEnvelope(protocol.NewPrivateMessage(content, username, recipient))
}

// RequestUserList asks the server for the current roster. The answer
// arrives as an EventUserList.
func (c *Client) RequestUserList() error {
	if _, err := c.requireAuth(); err != nil {
		return err
	}
	return c.writeEnvelope(protocol.NewUserListRequest())
}

func (c *Client) requireAuth() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.authenticated {
		return "", &ConnectionError{Op: "send", Err: fmt.Errorf("not connected")}
	}
	return c.username, nil
}

// writeEnvelope is the single path to the socket. The frame goes out
// whole under writeMu so concurrent senders cannot interleave.
func (c *Client) writeEnvelope(env *protocol.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return &ConnectionError{Op: "write", Err: fmt.Errorf("not connected")}
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := protocol.Write(conn, env); err != nil {
		return &ConnectionError{Op: "write " + string(env.Type), Err: err}
	}
	return nil
}

func (c *Client) readLoop() {
	defer c.finishEvents()
	for {
		env, err := protocol.Decode(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				if err != protocol.ErrPeerClosed {
					c.log.WithError(err).Warn("Read failed")
				}
				c.publish(Event{Kind: EventDisconnected})
			}
			c.teardown()
			return
		}
		if handler, ok := c.handlers[env.Type]; ok {
			handler(env)
		} else {
			c.log.WithField("message_type", env.Type).Debug("Ignoring unhandled message type")
		}
	}
}

// finishEvents closes the Events channel exactly once, after the read
// loop is the last publisher standing.
func (c *Client) finishEvents() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.eventsClosed {
		c.eventsClosed = true
		close(c.events)
	}
}

// publish hands an event to the consumer without ever blocking the read
// loop. A full queue drops the event with a warning.
func (c *Client) publish(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.log.WithField("event", ev.Kind.String()).Warn("Event queue full, dropping event")
	}
}

func (c *Client) teardown() {
	c.closing.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.authenticated = false
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
}

func (c *Client) completeAuth(err error) {
	select {
	case c.authCh <- err:
	default:
	}
}
