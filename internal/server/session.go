package server

import (
	"crypto/rsa"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jordanhw/chatwire/internal/protocol"
)

// sendQueueSize bounds the per-session outbound queue. A session that
// cannot drain this many envelopes is treated as dead.
const sendQueueSize = 256

// Session is the server-side state for one connected client. All
// outbound traffic funnels through a single writer goroutine, so
// envelopes queued from different call sites can never interleave on
// the wire.
type Session struct {
	id   string
	conn net.Conn
	srv  *Server

	outbound chan *protocol.Envelope
	done     chan struct{}
	closing  sync.Once

	limiter *rateLimiter

	mu            sync.Mutex
	log           *logrus.Entry
	username      string
	authenticated bool
	peerKey       *rsa.PublicKey
	historySent   bool
}

func newSession(conn net.Conn, srv *Server) *Session {
	id := uuid.NewString()
	return &Session{
		id:       id,
		conn:     conn,
		srv:      srv,
		outbound: make(chan *protocol.Envelope, sendQueueSize),
		done:     make(chan struct{}),
		limiter:  newRateLimiter(srv.cfg.RateLimit.Burst, srv.cfg.RateLimit.RefillInterval),
		log: logrus.WithFields(logrus.Fields{
			"session": id[:8],
			"remote":  conn.RemoteAddr().String(),
		}),
	}
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// logger returns the session's log entry. The entry gains a user field
// at authentication time, and it is read from several goroutines, so
// access goes through the session lock.
func (s *Session) logger() *logrus.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log
}

// Username returns the reserved username, or "" before authentication.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// Authenticated reports whether the session has completed auth.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// setAuthenticated transitions the session to the authenticated state.
// The transition happens exactly once per session.
func (s *Session) setAuthenticated(username string) {
	s.mu.Lock()
	s.username = username
	s.authenticated = true
	s.log = s.log.WithField("user", username)
	s.mu.Unlock()
}

func (s *Session) setPeerKey(key *rsa.PublicKey) {
	s.mu.Lock()
	s.peerKey = key
	s.mu.Unlock()
}

func (s *Session) peerPublicKey() *rsa.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerKey
}

// markHistorySent flips the replay flag and reports whether this call
// was the first.
func (s *Session) markHistorySent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historySent {
		return false
	}
	s.historySent = true
	return true
}

// Send queues an envelope for delivery. It never blocks; a closed
// session or a full queue drops the envelope and returns false.
func (s *Session) Send(env *protocol.Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.outbound <- env:
		return true
	default:
		s.logger().WithField("type", env.Type).Warn("outbound queue full, dropping envelope")
		return false
	}
}

// sendSystem queues a SYSTEM_MESSAGE with the given sub-kind.
func (s *Session) sendSystem(content, kind string) {
	s.Send(protocol.NewSystemMessage(content, kind))
}

// readLoop is the session worker: it blocks on the next frame, applies
// rate limiting, and dispatches. It owns the session lifetime; any
// fatal error tears the session down.
func (s *Session) readLoop() {
	defer s.teardown()

	for {
		env, err := protocol.Decode(s.conn)
		if err != nil {
			s.logReadError(err)
			return
		}

		if !s.limiter.allow() {
			s.logger().WithField("type", env.Type).Warn("rate limit exceeded, dropping envelope")
			continue
		}

		s.srv.router.dispatch(s, env)

		select {
		case <-s.done:
			return
		default:
		}
	}
}

func (s *Session) logReadError(err error) {
	var protoErr *protocol.ProtocolError
	switch {
	case errors.Is(err, protocol.ErrPeerClosed):
		s.logger().Debug("peer closed connection")
	case errors.As(err, &protoErr):
		s.logger().WithError(err).Warn("malformed frame, closing connection")
	case isClosedConnError(err):
		s.logger().Debug("connection closed during read")
	default:
		s.logger().WithError(err).Warn("read failed, closing connection")
	}
}

// writeLoop drains the outbound queue onto the socket. It is the only
// goroutine that writes to the connection.
func (s *Session) writeLoop() {
	for {
		select {
		case env := <-s.outbound:
			if err := protocol.Write(s.conn, env); err != nil {
				if !isClosedConnError(err) {
					s.logger().WithError(err).Warn("write failed")
				}
				s.teardown()
				return
			}
		case <-s.done:
			// Flush whatever was queued before the session closed.
			for {
				select {
				case env := <-s.outbound:
					_ = s.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
					if protocol.Write(s.conn, env) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// teardown disconnects the session. It is idempotent and never blocks
// on delivery to this session: broadcasts in flight simply skip it.
func (s *Session) teardown() {
	s.closing.Do(func() {
		close(s.done)
		s.srv.dropSession(s)
		if err := s.conn.Close(); err != nil && !isClosedConnError(err) {
			s.logger().WithError(err).Debug("closing connection")
		}
		s.logger().Debug("session closed")
	})
}

// isClosedConnError checks for the errors expected when either side has
// already closed the socket.
func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}
