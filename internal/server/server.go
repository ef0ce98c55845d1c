package server

import (
	"crypto/rsa"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordanhw/chatwire/internal/crypto"
	"github.com/jordanhw/chatwire/internal/protocol"
)

// Server owns all shared state: the session hub, username registry,
// crypto context, active-transfer table, and message history. One
// goroutine pair serves each accepted connection.
type Server struct {
	cfg Config

	hub       *Hub
	registry  *Registry
	router    *Router
	crypto    *crypto.Engine
	transfers *TransferTable
	history   *History

	keyMu      sync.Mutex
	clientKeys map[string]*rsa.PublicKey

	ln   net.Listener
	ops  *opsServer
	quit chan struct{}
	wg   sync.WaitGroup
	log  *logrus.Entry

	stopOnce sync.Once
}

// New builds a server from the given configuration, generating the
// server keypair up front.
func New(cfg Config) (*Server, error) {
	engine, err := crypto.NewEngine()
	if err != nil {
		return nil, err
	}

	srv := &Server{
		cfg:        cfg,
		hub:        NewHub(),
		registry:   NewRegistry(),
		router:     newRouter(),
		crypto:     engine,
		transfers:  NewTransferTable(),
		history:    NewHistory(cfg.HistoryLimit),
		clientKeys: make(map[string]*rsa.PublicKey),
		quit:       make(chan struct{}),
		log:        logrus.WithField("component", "server"),
	}
	srv.registerHandlers()
	return srv, nil
}

func (s *Server) registerHandlers() {
	s.router.handle(protocol.TypeConnect, s.handleConnect)
	s.router.handle(protocol.TypeDisconnect, s.handleDisconnect)
	s.router.handle(protocol.TypeAuthRequest, s.handleAuthRequest)
	s.router.handle(protocol.TypePublicMessage, s.handlePublicMessage)
	s.router.handle(protocol.TypePrivateMessage, s.handlePrivateMessage)
	s.router.handle(protocol.TypeUserListRequest, s.handleUserListRequest)
	s.router.handle(protocol.TypeKeyExchangeRequest, s.handleKeyExchange)
	s.router.handle(protocol.TypeAESKeyExchange, s.handleAESKeyRequest)
	s.router.handle(protocol.TypeEncryptedMessage, s.handleEncryptedMessage)
	s.router.handle(protocol.TypeFileTransferRequest, s.handleFileTransferRequest)
	s.router.handle(protocol.TypeFileTransferResponse, s.handleFileTransferResponse)
	s.router.handle(protocol.TypeFileChunk, s.handleFileChunk)
	s.router.handle(protocol.TypeFileTransferComplete, s.handleFileTransferComplete)
}

// Start binds the listener and begins accepting connections. It returns
// once the server is listening; use Wait or Stop to manage shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return &ConnectionError{Op: "listen", Err: err}
	}
	s.ln = ln
	s.log.WithField("addr", ln.Addr().String()).Info("chat server listening")

	if s.cfg.OpsAddr != "" {
		s.ops = newOpsServer(s)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ops.run()
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	return nil
}

// Addr returns the bound listener address, useful when listening on
// port 0.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			if isClosedConnError(err) {
				return
			}
			s.log.WithError(err).Warn("accept failed")
			continue
		}

		sess := newSession(conn, s)
		s.hub.register(sess)
		sess.logger().Info("connection accepted")

		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			sess.writeLoop()
		}()
		go func() {
			defer s.wg.Done()
			sess.readLoop()
		}()
	}
}

// Stop shuts the server down: the listener closes, every session is
// torn down, and goroutines are given timeout to finish.
func (s *Server) Stop(timeout time.Duration) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.quit)
		if s.ln != nil {
			_ = s.ln.Close()
		}
		if s.ops != nil {
			s.ops.shutdown(timeout)
		}
		for _, sess := range s.hub.snapshot() {
			sess.teardown()
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			s.log.Info("server stopped")
		case <-time.After(timeout):
			err = fmt.Errorf("shutdown timed out after %s", timeout)
			s.log.Warn("shutdown timed out, some goroutines may still be running")
		}
	})
	return err
}

// unicast queues an envelope for one named user. It returns false when
// the user is not online.
func (s *Server) unicast(env *protocol.Envelope, username string) bool {
	sessID, ok := s.registry.Lookup(username)
	if !ok {
		return false
	}
	sess := s.hub.get(sessID)
	if sess == nil {
		return false
	}
	return sess.Send(env)
}

// dropSession is the single teardown path for shared state. Called via
// Session.teardown, so it runs at most once per session; the session is
// removed from the hub before the leave notice goes out, which keeps
// the fan-out from touching the dying connection.
func (s *Server) dropSession(sess *Session) {
	s.hub.unregister(sess.id)
	username := s.registry.Release(sess.id)
	if username == "" {
		return
	}

	s.keyMu.Lock()
	delete(s.clientKeys, username)
	s.keyMu.Unlock()

	s.log.WithField("user", username).Info("user left")
	s.hub.Broadcast(protocol.NewSystemMessage(fmt.Sprintf("User %s left the chat", username), protocol.SystemInfo), "")
	s.broadcastUserList()
	s.hub.publish(PresenceEvent{
		Kind:     "leave",
		Username: username,
		Online:   s.registry.Count(),
		Time:     time.Now(),
	})
}

func (s *Server) broadcastUserList() {
	s.hub.Broadcast(protocol.NewUserListResponse(s.registry.Usernames()), "")
}

func (s *Server) storeClientKey(username string, key *rsa.PublicKey) {
	s.keyMu.Lock()
	s.clientKeys[username] = key
	s.keyMu.Unlock()
}

func (s *Server) clientKey(username string) (*rsa.PublicKey, bool) {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	key, ok := s.clientKeys[username]
	return key, ok
}
