package server

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhw/chatwire/internal/crypto"
	"github.com/jordanhw/chatwire/internal/protocol"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.OpsAddr = ""

	srv, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop(5 * time.Second) })
	return srv
}

// testPeer talks the raw wire protocol so assertions see exactly what a
// client sees.
type testPeer struct {
	t    *testing.T
	conn net.Conn
	name string
}

func dialPeer(t *testing.T, srv *Server) *testPeer {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testPeer{t: t, conn: conn}
}

func (p *testPeer) send(env *protocol.Envelope) {
	p.t.Helper()
	require.NoError(p.t, protocol.Write(p.conn, env))
}

// expect reads envelopes until one of the wanted type arrives. Anything
// else within the window is skipped.
func (p *testPeer) expect(want protocol.MessageType) *protocol.Envelope {
	p.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	require.NoError(p.t, p.conn.SetReadDeadline(deadline))
	defer p.conn.SetReadDeadline(time.Time{})
	for {
		env, err := protocol.Decode(p.conn)
		require.NoError(p.t, err, "waiting for %s", want)
		if env.Type == want {
			return env
		}
	}
}

// expectNone asserts that no envelope of the given type arrives within
// the window.
func (p *testPeer) expectNone(unwanted protocol.MessageType, window time.Duration) {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(window)))
	defer p.conn.SetReadDeadline(time.Time{})
	for {
		env, err := protocol.Decode(p.conn)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				return
			}
			return
		}
		require.NotEqual(p.t, unwanted, env.Type)
	}
}

func (p *testPeer) join(username string) {
	p.t.Helper()
	p.name = username
	p.send(protocol.NewAuthRequest(username))
	resp := p.expect(protocol.TypeAuthResponse)
	require.Equal(p.t, "success", resp.String("status"))
}

func TestAuthSuccessAndWelcome(t *testing.T) {
	srv := startTestServer(t)
	alice := dialPeer(t, srv)
	alice.join("alice")

	// The welcome notice follows the auth verdict on the same stream.
	msg := alice.expect(protocol.TypeSystemMessage)
	assert.Contains(t, msg.String("content"), "Welcome alice")

	list := alice.expect(protocol.TypeUserListResponse)
	assert.Equal(t, []string{"alice"}, list.Strings("users"))
}

func TestAuthRejectsDuplicateUsername(t *testing.T) {
	srv := startTestServer(t)
	first := dialPeer(t, srv)
	first.join("dup")

	second := dialPeer(t, srv)
	second.send(protocol.NewAuthRequest("dup"))
	resp := second.expect(protocol.TypeAuthResponse)
	assert.Equal(t, "failure", resp.String("status"))

	errMsg := second.expect(protocol.TypeSystemMessage)
	assert.Equal(t, protocol.SystemError, errMsg.String("system_message_type"))
	assert.Contains(t, errMsg.String("content"), "already taken")

	// The first session keeps the name.
	sessID, held := srv.registry.Lookup("dup")
	require.True(t, held)
	assert.NotEmpty(t, sessID)
}

func TestAuthRejectsInvalidUsername(t *testing.T) {
	srv := startTestServer(t)
	peer := dialPeer(t, srv)
	peer.send(protocol.NewAuthRequest("bad/name!"))
	resp := peer.expect(protocol.TypeAuthResponse)
	assert.Equal(t, "failure", resp.String("status"))
	assert.Equal(t, 0, srv.registry.Count())
}

func TestUnauthenticatedMessagesAreGated(t *testing.T) {
	srv := startTestServer(t)
	peer := dialPeer(t, srv)

	peer.send(protocol.NewPublicMessage("sneaky", "ghost"))
	errMsg := peer.expect(protocol.TypeSystemMessage)
	assert.Equal(t, protocol.SystemError, errMsg.String("system_message_type"))
	assert.Equal(t, "Not authenticated", errMsg.String("content"))
}

func TestPublicBroadcastExcludesSender(t *testing.T) {
	srv := startTestServer(t)
	alice := dialPeer(t, srv)
	alice.join("alice")
	bob := dialPeer(t, srv)
	bob.join("bob")
	carol := dialPeer(t, srv)
	carol.join("carol")

	alice.send(protocol.NewPublicMessage("hello room", "alice"))

	for _, p := range []*testPeer{bob, carol} {
		got := p.expect(protocol.TypePublicMessage)
		assert.Equal(t, "hello room", got.String("content"))
		assert.Equal(t, "alice", got.Sender)
	}
	alice.expectNone(protocol.TypePublicMessage, 300*time.Millisecond)
}

func TestPrivateMessageRouting(t *testing.T) {
	srv := startTestServer(t)
	alice := dialPeer(t, srv)
	alice.join("alice")
	bob := dialPeer(t, srv)
	bob.join("bob")
	carol := dialPeer(t, srv)
	carol.join("carol")

	alice.send(protocol.NewPrivateMessage("just for you", "alice", "bob"))

	got := bob.expect(protocol.TypePrivateMessage)
	assert.Equal(t, "just for you", got.String("content"))
	assert.True(t, got.Bool("is_private"))

	carol.expectNone(protocol.TypePrivateMessage, 300*time.Millisecond)
}

func TestPrivateMessageUnknownRecipient(t *testing.T) {
	srv := startTestServer(t)
	alice := dialPeer(t, srv)
	alice.join("alice")
	// Drain the welcome notice that follows authentication.
	alice.expect(protocol.TypeSystemMessage)

	alice.send(protocol.NewPrivateMessage("anyone there", "alice", "dave"))
	errMsg := alice.expect(protocol.TypeSystemMessage)
	assert.Equal(t, "User dave not found", errMsg.String("content"))
}

func TestUserListSorted(t *testing.T) {
	srv := startTestServer(t)
	for _, name := range []string{"carol", "alice", "bob"} {
		p := dialPeer(t, srv)
		p.join(name)
	}

	probe := dialPeer(t, srv)
	probe.join("dave")
	probe.send(protocol.NewUserListRequest())
	list := probe.expect(protocol.TypeUserListResponse)
	assert.Equal(t, []string{"alice", "bob", "carol", "dave"}, list.Strings("users"))
}

func TestKeyExchangeDistributesOneSessionKey(t *testing.T) {
	srv := startTestServer(t)

	engines := make([]*crypto.Engine, 2)
	for i, name := range []string{"alice", "bob"} {
		peer := dialPeer(t, srv)
		peer.join(name)

		engine, err := crypto.NewEngine()
		require.NoError(t, err)
		engines[i] = engine

		pemData, err := engine.PublicKeyPEM()
		require.NoError(t, err)
		peer.send(protocol.NewKeyExchangeRequest(pemData, name))

		wrapped := peer.expect(protocol.TypeAESKeyExchange)
		require.NoError(t, engine.UnwrapSessionKey(wrapped.String("encrypted_aes_key")))
	}

	// Both peers unwrapped the same key.
	ciphertext, err := engines[0].Encrypt("shared secret")
	require.NoError(t, err)
	plaintext, err := engines[1].Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "shared secret", plaintext)
}

func TestEncryptedMessageForwardedOpaquely(t *testing.T) {
	srv := startTestServer(t)
	alice := dialPeer(t, srv)
	alice.join("alice")
	bob := dialPeer(t, srv)
	bob.join("bob")

	// The server never needs the session key to route ciphertext.
	alice.send(protocol.NewEncryptedMessage("b64-opaque-blob", "alice", "bob", true))
	got := bob.expect(protocol.TypeEncryptedMessage)
	assert.Equal(t, "b64-opaque-blob", got.String("encrypted_content"))
	assert.Equal(t, "alice", got.Sender)
}

func TestFileTransferRequestNoRecipients(t *testing.T) {
	srv := startTestServer(t)
	alice := dialPeer(t, srv)
	alice.join("alice")
	// Drain the welcome notice that follows authentication.
	alice.expect(protocol.TypeSystemMessage)

	alice.send(protocol.NewFileTransferRequest("t1", "a.bin", 10, "hash", "alice", protocol.RecipientGlobal, false))
	msg := alice.expect(protocol.TypeSystemMessage)
	assert.Contains(t, msg.String("content"), "No other users online")
	assert.Equal(t, 0, srv.transfers.Len())
}

func TestFileTransferPrivateDeclineCleansUp(t *testing.T) {
	srv := startTestServer(t)
	alice := dialPeer(t, srv)
	alice.join("alice")
	bob := dialPeer(t, srv)
	bob.join("bob")

	alice.send(protocol.NewFileTransferRequest("t1", "a.bin", 10, "hash", "alice", "bob", true))
	req := bob.expect(protocol.TypeFileTransferRequest)
	assert.Equal(t, "t1", req.String("transfer_id"))
	assert.Equal(t, 1, srv.transfers.Len())

	bob.send(protocol.NewFileTransferResponse("t1", false, "no thanks", "bob", "alice"))
	resp := alice.expect(protocol.TypeFileTransferResponse)
	assert.False(t, resp.Bool("accepted"))
	assert.Equal(t, "no thanks", resp.String("reason"))

	require.Eventually(t, func() bool { return srv.transfers.Len() == 0 },
		2*time.Second, 20*time.Millisecond)
}

func TestFileTransferCompleteForwardAddressedToSender(t *testing.T) {
	srv := startTestServer(t)
	alice := dialPeer(t, srv)
	alice.join("alice")
	bob := dialPeer(t, srv)
	bob.join("bob")

	alice.send(protocol.NewFileTransferRequest("t1", "a.bin", 4, "hash", "alice", "bob", true))
	bob.expect(protocol.TypeFileTransferRequest)
	bob.send(protocol.NewFileTransferResponse("t1", true, "", "bob", "alice"))
	alice.expect(protocol.TypeFileTransferResponse)

	alice.send(protocol.NewFileChunk("t1", 0, 1, "QUJDRA==", "alice", "bob"))
	bob.expect(protocol.TypeFileChunk)
	alice.send(protocol.NewFileTransferComplete("t1", true, "hash", "", "alice", "bob"))
	bob.expect(protocol.TypeFileTransferComplete)

	// The receiver's verified result comes back addressed to the
	// original sender.
	bob.send(protocol.NewFileTransferComplete("t1", true, "hash", "", "bob", "alice"))
	done := alice.expect(protocol.TypeFileTransferComplete)
	assert.Equal(t, "bob", done.Sender)
	assert.Equal(t, "alice", done.Recipient)
	assert.True(t, done.Bool("success"))
}

func TestFileTransferGlobalFanout(t *testing.T) {
	srv := startTestServer(t)
	alice := dialPeer(t, srv)
	alice.join("alice")
	bob := dialPeer(t, srv)
	bob.join("bob")
	carol := dialPeer(t, srv)
	carol.join("carol")

	alice.send(protocol.NewFileTransferRequest("t1", "a.bin", 4, "hash", "alice", protocol.RecipientGlobal, false))
	bob.expect(protocol.TypeFileTransferRequest)
	carol.expect(protocol.TypeFileTransferRequest)

	bob.send(protocol.NewFileTransferResponse("t1", true, "", "bob", "alice"))
	carol.send(protocol.NewFileTransferResponse("t1", true, "", "carol", "alice"))

	// Both acceptances reach the sender.
	alice.expect(protocol.TypeFileTransferResponse)
	alice.expect(protocol.TypeFileTransferResponse)

	// Chunks fan out to every acceptor, never back to the sender.
	alice.send(protocol.NewFileChunk("t1", 0, 1, "QUJDRA==", "alice", protocol.RecipientGlobal))
	chunkBob := bob.expect(protocol.TypeFileChunk)
	assert.Equal(t, "QUJDRA==", chunkBob.String("chunk_data"))
	carol.expect(protocol.TypeFileChunk)

	alice.send(protocol.NewFileTransferComplete("t1", true, "hash", "", "alice", protocol.RecipientGlobal))
	bob.expect(protocol.TypeFileTransferComplete)
	carol.expect(protocol.TypeFileTransferComplete)

	require.Eventually(t, func() bool { return srv.transfers.Len() == 0 },
		2*time.Second, 20*time.Millisecond)
	alice.expectNone(protocol.TypeFileChunk, 200*time.Millisecond)
}

func TestDisconnectBroadcastsLeave(t *testing.T) {
	srv := startTestServer(t)
	alice := dialPeer(t, srv)
	alice.join("alice")
	bob := dialPeer(t, srv)
	bob.join("bob")
	// Drain the welcome notice that follows authentication.
	bob.expect(protocol.TypeSystemMessage)

	alice.send(protocol.NewDisconnect().From("alice"))

	notice := bob.expect(protocol.TypeSystemMessage)
	assert.Contains(t, notice.String("content"), "alice left the chat")

	require.Eventually(t, func() bool { return srv.registry.Count() == 1 },
		2*time.Second, 20*time.Millisecond)
}

func TestAbruptDisconnectReleasesUsername(t *testing.T) {
	srv := startTestServer(t)
	alice := dialPeer(t, srv)
	alice.join("alice")
	alice.conn.Close()

	require.Eventually(t, func() bool { return srv.registry.Count() == 0 },
		2*time.Second, 20*time.Millisecond)

	// The name is free for the next session.
	again := dialPeer(t, srv)
	again.join("alice")
}
