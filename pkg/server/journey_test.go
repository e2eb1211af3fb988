package server

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/sistchat/pkg/protocol"
	"github.com/aeolun/sistchat/pkg/transport"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const (
	frameTimeout   = 3 * time.Second
	silenceTimeout = 150 * time.Millisecond
)

// ---------------------------------------------------------------------------
// Test client
//
// Every transport is reduced to a byte stream; a single reader goroutine
// decodes frames into a channel so SSH channels (no deadlines) and
// WebSocket connections (a timed-out read breaks the connection) can be
// polled with timeouts like TCP.
// ---------------------------------------------------------------------------

type testClient struct {
	name    string
	stream  io.ReadWriteCloser
	cleanup func()

	frames chan *protocol.Frame
	done   chan struct{}
	err    error

	closeOnce sync.Once
}

func newTestClient(t *testing.T, name string, stream io.ReadWriteCloser, cleanup func()) *testClient {
	c := &testClient{
		name:    name,
		stream:  stream,
		cleanup: cleanup,
		frames:  make(chan *protocol.Frame, 256),
		done:    make(chan struct{}),
	}

	go func() {
		defer close(c.done)
		r := bufio.NewReader(stream)
		for {
			frame, err := protocol.DecodeFrame(r)
			if err != nil {
				c.err = err
				return
			}
			c.frames <- frame
		}
	}()

	t.Cleanup(c.close)
	return c
}

func (c *testClient) close() {
	c.closeOnce.Do(func() {
		c.stream.Close()
		if c.cleanup != nil {
			c.cleanup()
		}
		<-c.done
	})
}

func (c *testClient) sendFrame(t *testing.T, frame *protocol.Frame) {
	t.Helper()
	data, err := protocol.MarshalFrame(frame)
	require.NoError(t, err)
	_, err = c.stream.Write(data)
	require.NoError(t, err, "%s: write", c.name)
}

func (c *testClient) send(t *testing.T, req protocol.Request) {
	t.Helper()
	frame, err := protocol.ToFrame(req)
	require.NoError(t, err)
	c.sendFrame(t, frame)
}

// next returns the next frame, failing the test on timeout or connection
// loss.
func (c *testClient) next(t *testing.T) *protocol.Frame {
	t.Helper()
	select {
	case f := <-c.frames:
		return f
	case <-c.done:
		// Frames decoded before the error still count
		select {
		case f := <-c.frames:
			return f
		default:
		}
		t.Fatalf("%s: connection ended while waiting for a frame: %v", c.name, c.err)
	case <-time.After(frameTimeout):
		t.Fatalf("%s: no frame within %v", c.name, frameTimeout)
	}
	return nil
}

func (c *testClient) expectAnswer(t *testing.T, status uint16, content string) {
	t.Helper()
	answer := c.answer(t)
	assert.Equal(t, status, answer.StatusCode, "%s: answer %q", c.name, answer.Message.Content)
	assert.Equal(t, content, answer.Message.Content, c.name)
	assert.Equal(t, protocol.ServerSender, answer.Message.Sender, c.name)
}

func (c *testClient) answer(t *testing.T) *protocol.Answer {
	t.Helper()
	frame := c.next(t)
	require.Equal(t, uint8(protocol.TypeAnswer), frame.Type, "%s: expected answer, got %s", c.name, protocol.TypeName(frame.Type))
	resp, err := protocol.DecodeResponse(frame)
	require.NoError(t, err)
	return resp.(*protocol.Answer)
}

func (c *testClient) expectDelivery(t *testing.T) protocol.Message {
	t.Helper()
	frame := c.next(t)
	require.Equal(t, uint8(protocol.TypeDelivery), frame.Type, "%s: expected delivery, got %s", c.name, protocol.TypeName(frame.Type))
	resp, err := protocol.DecodeResponse(frame)
	require.NoError(t, err)
	return resp.(*protocol.Delivery).Message
}

// expectSilence asserts nothing arrives for a short while.
func (c *testClient) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case f := <-c.frames:
		t.Fatalf("%s: unexpected %s frame", c.name, protocol.TypeName(f.Type))
	case <-time.After(silenceTimeout):
	}
}

// expectClosed asserts the server closes the connection with no further
// frames.
func (c *testClient) expectClosed(t *testing.T) {
	t.Helper()
	select {
	case <-c.done:
	case f := <-c.frames:
		t.Fatalf("%s: unexpected %s frame before close", c.name, protocol.TypeName(f.Type))
	case <-time.After(frameTimeout):
		t.Fatalf("%s: connection still open after %v", c.name, frameTimeout)
	}
	select {
	case f := <-c.frames:
		t.Fatalf("%s: unexpected %s frame before close", c.name, protocol.TypeName(f.Type))
	default:
	}
}

func (c *testClient) register(t *testing.T, username string) {
	t.Helper()
	c.send(t, &protocol.CreateUserRequest{Username: username})
	c.expectAnswer(t, protocol.StatusOK, "user created")
}

func (c *testClient) broadcast(t *testing.T, content string) {
	t.Helper()
	c.send(t, &protocol.SendMessageRequest{Message: protocol.Message{Sender: c.name, Content: content}})
}

func (c *testClient) private(t *testing.T, to, content string) {
	t.Helper()
	c.send(t, &protocol.SendMessageRequest{Message: protocol.Message{
		Sender:      c.name,
		Content:     content,
		Private:     true,
		Destination: &to,
	}})
}

// ---------------------------------------------------------------------------
// Server setup
// ---------------------------------------------------------------------------

var (
	hostKeyOnce sync.Once
	hostKey     ssh.Signer
)

// testHostKey is shared by every test server; ed25519 keeps setup fast.
func testHostKey(t *testing.T) ssh.Signer {
	t.Helper()
	hostKeyOnce.Do(func() {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			panic(err)
		}
		hostKey, err = ssh.NewSignerFromKey(priv)
		if err != nil {
			panic(err)
		}
	})
	return hostKey
}

type testServer struct {
	srv     *Server
	tcpAddr string
	sshAddr string
	wsAddr  string
}

func testConfig() ServerConfig {
	config := DefaultConfig()
	config.BindAddress = "127.0.0.1"
	config.TCPPort = 0
	config.SSHPort = 0
	config.HTTPPort = 0
	config.AdminPort = 0
	config.FlushTimeout = time.Second
	return config
}

// startTestServer runs a server with TCP, SSH and WebSocket listeners on
// random loopback ports.
func startTestServer(t *testing.T, configure func(*ServerConfig)) *testServer {
	t.Helper()

	config := testConfig()
	if configure != nil {
		configure(&config)
	}

	srv, err := NewServer(config)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	sshListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.serveSSH(sshListener, testHostKey(t))

	wsListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.serveWebSocket(wsListener)

	return &testServer{
		srv:     srv,
		tcpAddr: srv.Addr().String(),
		sshAddr: srv.SSHAddr().String(),
		wsAddr:  srv.HTTPAddr().String(),
	}
}

type transportFactory struct {
	name    string
	connect func(t *testing.T, ts *testServer, name string) *testClient
}

func connectTCP(t *testing.T, ts *testServer, name string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", ts.tcpAddr, frameTimeout)
	require.NoError(t, err)
	return newTestClient(t, name, conn, nil)
}

func connectSSH(t *testing.T, ts *testServer, name string) *testClient {
	t.Helper()
	client, err := ssh.Dial("tcp", ts.sshAddr, &ssh.ClientConfig{
		User:            name,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         frameTimeout,
	})
	require.NoError(t, err)

	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		require.NoError(t, err)
	}
	go ssh.DiscardRequests(requests)

	return newTestClient(t, name, channel, func() { client.Close() })
}

func connectWebSocket(t *testing.T, ts *testServer, name string) *testClient {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: frameTimeout}
	conn, _, err := dialer.Dial(fmt.Sprintf("ws://%s/ws", ts.wsAddr), nil)
	require.NoError(t, err)
	return newTestClient(t, name, transport.NewWebSocketConn(conn), nil)
}

func allTransports() []transportFactory {
	return []transportFactory{
		{"tcp", connectTCP},
		{"ssh", connectSSH},
		{"websocket", connectWebSocket},
	}
}

// forEachTransport runs fn against a fresh server once per transport.
func forEachTransport(t *testing.T, configure func(*ServerConfig), fn func(t *testing.T, ts *testServer, connect func(name string) *testClient)) {
	for _, tf := range allTransports() {
		t.Run(tf.name, func(t *testing.T) {
			ts := startTestServer(t, configure)
			fn(t, ts, func(name string) *testClient { return tf.connect(t, ts, name) })
		})
	}
}

// ---------------------------------------------------------------------------
// Journeys
// ---------------------------------------------------------------------------

func TestJourneyRegisterListBroadcast(t *testing.T) {
	forEachTransport(t, nil, func(t *testing.T, ts *testServer, connect func(string) *testClient) {
		alice := connect("alice")
		bob := connect("bob")

		alice.register(t, "alice")
		bob.register(t, "bob")

		alice.send(t, &protocol.ListUsersRequest{ListAll: true})
		alice.expectAnswer(t, protocol.StatusInfo, "alice [ACTIVE]\nbob [ACTIVE]")

		alice.broadcast(t, "hello everyone")
		alice.expectAnswer(t, protocol.StatusOK, "message sent")

		got := bob.expectDelivery(t)
		assert.Equal(t, "alice", got.Sender)
		assert.Equal(t, "hello everyone", got.Content)
		assert.False(t, got.Private)
		assert.Nil(t, got.Destination)

		// No self-echo
		alice.expectSilence(t)

		records := ts.srv.History().Recent(0)
		require.Len(t, records, 1)
		assert.Equal(t, "alice", records[0].Sender)
	})
}

func TestJourneyDuplicateName(t *testing.T) {
	forEachTransport(t, nil, func(t *testing.T, ts *testServer, connect func(string) *testClient) {
		alice := connect("alice")
		impostor := connect("impostor")

		alice.register(t, "alice")

		impostor.send(t, &protocol.CreateUserRequest{Username: "alice"})
		impostor.expectAnswer(t, protocol.StatusBadRequest, "user already exists")

		// The rejected connection may still register under another name
		impostor.register(t, "bob")

		alice.send(t, &protocol.ListUsersRequest{ListAll: true})
		alice.expectAnswer(t, protocol.StatusInfo, "alice [ACTIVE]\nbob [ACTIVE]")
	})
}

func TestJourneyInvalidUsernames(t *testing.T) {
	forEachTransport(t, func(c *ServerConfig) { c.MaxUsernameLength = 8 }, func(t *testing.T, ts *testServer, connect func(string) *testClient) {
		c := connect("someone")
		for _, name := range []string{"", "has space", "waytoolongname", "Server", "tab\tname"} {
			c.send(t, &protocol.CreateUserRequest{Username: name})
			c.expectAnswer(t, protocol.StatusBadRequest, "invalid username")
		}
		c.register(t, "okname")
	})
}

func TestJourneyRegistryFull(t *testing.T) {
	forEachTransport(t, func(c *ServerConfig) { c.MaxUsers = 1 }, func(t *testing.T, ts *testServer, connect func(string) *testClient) {
		alice := connect("alice")
		bob := connect("bob")

		alice.register(t, "alice")
		bob.send(t, &protocol.CreateUserRequest{Username: "bob"})
		bob.expectAnswer(t, protocol.StatusBadRequest, "server is full")
	})
}

func TestJourneyRegistrationRequired(t *testing.T) {
	forEachTransport(t, nil, func(t *testing.T, ts *testServer, connect func(string) *testClient) {
		c := connect("anon")
		c.send(t, &protocol.ListUsersRequest{ListAll: true})
		c.expectAnswer(t, protocol.StatusBadRequest, "registration required")
		c.expectClosed(t)
	})
}

func TestJourneyAlreadyRegistered(t *testing.T) {
	forEachTransport(t, nil, func(t *testing.T, ts *testServer, connect func(string) *testClient) {
		alice := connect("alice")
		alice.register(t, "alice")

		alice.send(t, &protocol.CreateUserRequest{Username: "alice2"})
		alice.expectAnswer(t, protocol.StatusBadRequest, "already registered")

		_, ok := ts.srv.Registry().Find("alice2")
		assert.False(t, ok)
	})
}

func TestJourneyPrivateMessage(t *testing.T) {
	forEachTransport(t, nil, func(t *testing.T, ts *testServer, connect func(string) *testClient) {
		alice := connect("alice")
		bob := connect("bob")
		carol := connect("carol")

		alice.register(t, "alice")
		bob.register(t, "bob")
		carol.register(t, "carol")

		alice.private(t, "bob", "just for you")
		alice.expectAnswer(t, protocol.StatusOK, "message sent")

		got := bob.expectDelivery(t)
		assert.Equal(t, "alice", got.Sender)
		assert.Equal(t, "just for you", got.Content)
		assert.True(t, got.Private)
		assert.Equal(t, "bob", got.DestinationName())

		carol.expectSilence(t)
		alice.expectSilence(t)

		// Private messages stay out of the broadcast log
		assert.Equal(t, 0, ts.srv.History().Len())
	})
}

func TestJourneyPrivateMessageUnknownUser(t *testing.T) {
	forEachTransport(t, nil, func(t *testing.T, ts *testServer, connect func(string) *testClient) {
		alice := connect("alice")
		bob := connect("bob")
		alice.register(t, "alice")
		bob.register(t, "bob")

		alice.private(t, "ghost", "anyone there?")
		alice.expectAnswer(t, protocol.StatusBadRequest, "user not found")
		bob.expectSilence(t)

		alice.send(t, &protocol.SendMessageRequest{Message: protocol.Message{Content: "no target", Private: true}})
		alice.expectAnswer(t, protocol.StatusBadRequest, "destination required")
	})
}

func TestJourneySenderIsStamped(t *testing.T) {
	forEachTransport(t, nil, func(t *testing.T, ts *testServer, connect func(string) *testClient) {
		alice := connect("alice")
		bob := connect("bob")
		alice.register(t, "alice")
		bob.register(t, "bob")

		alice.send(t, &protocol.SendMessageRequest{Message: protocol.Message{Sender: "bob", Content: "spoof"}})
		alice.expectAnswer(t, protocol.StatusOK, "message sent")
		assert.Equal(t, "alice", bob.expectDelivery(t).Sender)
	})
}

func TestJourneyMessageValidation(t *testing.T) {
	forEachTransport(t, func(c *ServerConfig) { c.MaxMessageLength = 16 }, func(t *testing.T, ts *testServer, connect func(string) *testClient) {
		alice := connect("alice")
		bob := connect("bob")
		alice.register(t, "alice")
		bob.register(t, "bob")

		alice.broadcast(t, "")
		alice.expectAnswer(t, protocol.StatusBadRequest, "message is empty")

		alice.broadcast(t, strings.Repeat("x", 17))
		alice.expectAnswer(t, protocol.StatusBadRequest, "message too long")

		bob.expectSilence(t)
	})
}

func TestJourneyRateLimit(t *testing.T) {
	configure := func(c *ServerConfig) {
		c.MessageRateLimit = 1
		c.MessageBurst = 2
	}
	forEachTransport(t, configure, func(t *testing.T, ts *testServer, connect func(string) *testClient) {
		alice := connect("alice")
		alice.register(t, "alice")

		alice.broadcast(t, "one")
		alice.expectAnswer(t, protocol.StatusOK, "message sent")
		alice.broadcast(t, "two")
		alice.expectAnswer(t, protocol.StatusOK, "message sent")
		alice.broadcast(t, "three")
		alice.expectAnswer(t, protocol.StatusBadRequest, "rate limit exceeded")

		// The session survives a rejection
		alice.send(t, &protocol.ListUsersRequest{ListAll: true})
		alice.expectAnswer(t, protocol.StatusInfo, "alice [ACTIVE]")
	})
}

func TestJourneyStatusAndUserInfo(t *testing.T) {
	forEachTransport(t, nil, func(t *testing.T, ts *testServer, connect func(string) *testClient) {
		alice := connect("alice")
		bob := connect("bob")
		alice.register(t, "alice")
		bob.register(t, "bob")

		alice.send(t, &protocol.ChangeStatusRequest{State: protocol.StateAway})
		alice.expectAnswer(t, protocol.StatusOK, "status updated")

		target := "alice"
		bob.send(t, &protocol.ListUsersRequest{TargetUser: &target})
		bob.expectAnswer(t, protocol.StatusInfo, "alice [AWAY]")

		missing := "nobody"
		bob.send(t, &protocol.ListUsersRequest{TargetUser: &missing})
		bob.expectAnswer(t, protocol.StatusInfo, "")

		bob.send(t, &protocol.UserInfoRequest{Username: "alice"})
		info := bob.answer(t)
		assert.Equal(t, uint16(protocol.StatusInfo), info.StatusCode)
		assert.True(t, strings.HasPrefix(info.Message.Content, "name: alice\nstate: AWAY\nip: 127.0.0.1\nport: "), info.Message.Content)

		bob.send(t, &protocol.UserInfoRequest{Username: "nobody"})
		bob.expectAnswer(t, protocol.StatusBadRequest, "user not found")
	})
}

func TestJourneyDisconnectFreesName(t *testing.T) {
	forEachTransport(t, nil, func(t *testing.T, ts *testServer, connect func(string) *testClient) {
		alice := connect("alice")
		alice.register(t, "alice")

		alice.send(t, &protocol.DisconnectRequest{})
		alice.expectAnswer(t, protocol.StatusOK, "user disconnected")
		alice.expectClosed(t)

		again := connect("alice-again")
		again.register(t, "alice")
	})
}

func TestJourneyDroppedConnectionFreesName(t *testing.T) {
	forEachTransport(t, nil, func(t *testing.T, ts *testServer, connect func(string) *testClient) {
		alice := connect("alice")
		bob := connect("bob")
		alice.register(t, "alice")
		bob.register(t, "bob")

		alice.close()
		require.Eventually(t, func() bool {
			_, ok := ts.srv.Registry().Find("alice")
			return !ok
		}, frameTimeout, 10*time.Millisecond)

		// Broadcasts keep flowing to whoever is left
		bob.broadcast(t, "still here")
		bob.expectAnswer(t, protocol.StatusOK, "message sent")

		again := connect("alice-again")
		again.register(t, "alice")
	})
}

func TestJourneyMalformedRequest(t *testing.T) {
	forEachTransport(t, nil, func(t *testing.T, ts *testServer, connect func(string) *testClient) {
		alice := connect("alice")
		alice.register(t, "alice")

		alice.sendFrame(t, protocol.NewFrame(0x7F, []byte{1, 2, 3}))
		alice.expectAnswer(t, protocol.StatusBadRequest, "malformed request")
		alice.expectClosed(t)

		require.Eventually(t, func() bool {
			return ts.srv.Registry().Len() == 0
		}, frameTimeout, 10*time.Millisecond)
	})
}

func TestJourneyTrailingBytesRejected(t *testing.T) {
	forEachTransport(t, nil, func(t *testing.T, ts *testServer, connect func(string) *testClient) {
		c := connect("trailing")
		payload, err := (&protocol.CreateUserRequest{Username: "alice"}).Encode()
		require.NoError(t, err)

		c.sendFrame(t, protocol.NewFrame(protocol.TypeCreateUser, append(payload, 0xFF)))
		c.expectAnswer(t, protocol.StatusBadRequest, "malformed request")
		c.expectClosed(t)
	})
}

func TestJourneyBadFrameVersion(t *testing.T) {
	forEachTransport(t, nil, func(t *testing.T, ts *testServer, connect func(string) *testClient) {
		c := connect("old")
		frame := protocol.NewFrame(protocol.TypeDisconnect, nil)
		frame.Version = 9
		c.sendFrame(t, frame)
		c.expectAnswer(t, protocol.StatusBadRequest, "malformed request")
		c.expectClosed(t)
	})
}

func TestJourneyLargeMessageIsCompressed(t *testing.T) {
	forEachTransport(t, nil, func(t *testing.T, ts *testServer, connect func(string) *testClient) {
		alice := connect("alice")
		bob := connect("bob")
		alice.register(t, "alice")
		bob.register(t, "bob")

		content := strings.Repeat("compressible chat text ", 150)
		alice.broadcast(t, content)
		alice.expectAnswer(t, protocol.StatusOK, "message sent")
		assert.Equal(t, content, bob.expectDelivery(t).Content)
	})
}

func TestJourneyShutdownNotifiesClients(t *testing.T) {
	forEachTransport(t, nil, func(t *testing.T, ts *testServer, connect func(string) *testClient) {
		alice := connect("alice")
		waiting := connect("waiting")
		alice.register(t, "alice")

		// Make sure the unregistered session exists before stopping
		require.Eventually(t, func() bool {
			return ts.srv.sessions.CountOnlineUsers() == 2
		}, frameTimeout, 10*time.Millisecond)

		require.NoError(t, ts.srv.Stop())

		for _, c := range []*testClient{alice, waiting} {
			c.expectAnswer(t, protocol.StatusOK, "server shutting down")
			c.expectClosed(t)
		}
	})
}

func TestJourneyIdleTimeout(t *testing.T) {
	configure := func(c *ServerConfig) { c.IdleTimeout = 200 * time.Millisecond }
	// SSH channels have no read deadlines, so only TCP and WebSocket idle out
	transports := []transportFactory{
		{"tcp", connectTCP},
		{"websocket", connectWebSocket},
	}
	for _, tf := range transports {
		t.Run(tf.name, func(t *testing.T) {
			ts := startTestServer(t, configure)
			c := tf.connect(t, ts, "sleepy")
			c.register(t, "sleepy")
			c.expectClosed(t)
			assert.Equal(t, 0, ts.srv.Registry().Len())
		})
	}
}

// TestJourneyStalledRecipientIsUnregistered connects a raw TCP client that
// registers and then never reads again. Large broadcasts must eventually
// release its name, either through the full outbox or the write deadline.
func TestJourneyStalledRecipientIsUnregistered(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*ServerConfig)
		pause     time.Duration
	}{
		{"outbox full", func(c *ServerConfig) {
			c.OutboxSize = 4
			c.WriteTimeout = 0
		}, 0},
		// Paced so the outbox never fills before the write deadline fires
		{"write timeout", func(c *ServerConfig) {
			c.OutboxSize = 1024
			c.WriteTimeout = 200 * time.Millisecond
		}, 5 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := startTestServer(t, func(c *ServerConfig) {
				c.MessageRateLimit = 0
				c.MaxMessageLength = 64 * 1024
				tt.configure(c)
			})

			bob, err := net.DialTimeout("tcp", ts.tcpAddr, frameTimeout)
			require.NoError(t, err)
			t.Cleanup(func() { bob.Close() })
			data, err := protocol.MarshalFrame(mustFrame(&protocol.CreateUserRequest{Username: "bob"}))
			require.NoError(t, err)
			_, err = bob.Write(data)
			require.NoError(t, err)
			require.NoError(t, bob.SetReadDeadline(time.Now().Add(frameTimeout)))
			frame, err := protocol.DecodeFrame(bob)
			require.NoError(t, err)
			resp, err := protocol.DecodeResponse(frame)
			require.NoError(t, err)
			require.Equal(t, uint16(protocol.StatusOK), resp.(*protocol.Answer).StatusCode)

			alice := connectTCP(t, ts, "alice")
			alice.register(t, "alice")

			// Random hex barely compresses, so every delivery is ~64KB on the wire
			raw := make([]byte, 32*1024)
			_, err = rand.Read(raw)
			require.NoError(t, err)
			content := hex.EncodeToString(raw)

			released := false
			deadline := time.Now().Add(10 * time.Second)
			for !released && time.Now().Before(deadline) {
				alice.broadcast(t, content)
				alice.expectAnswer(t, protocol.StatusOK, "message sent")
				_, ok := ts.srv.Registry().Find("bob")
				released = !ok
				time.Sleep(tt.pause)
			}
			require.True(t, released, "stalled recipient still registered")

			alice.send(t, &protocol.ListUsersRequest{ListAll: true})
			alice.expectAnswer(t, protocol.StatusInfo, "alice [ACTIVE]")

			again := connectTCP(t, ts, "bob-again")
			again.register(t, "bob")
		})
	}
}

func TestJourneyCrossTransportBroadcast(t *testing.T) {
	ts := startTestServer(t, nil)

	alice := connectTCP(t, ts, "alice")
	bob := connectSSH(t, ts, "bob")
	carol := connectWebSocket(t, ts, "carol")

	alice.register(t, "alice")
	bob.register(t, "bob")
	carol.register(t, "carol")

	alice.broadcast(t, "from tcp")
	alice.expectAnswer(t, protocol.StatusOK, "message sent")
	assert.Equal(t, "from tcp", bob.expectDelivery(t).Content)
	assert.Equal(t, "from tcp", carol.expectDelivery(t).Content)

	carol.private(t, "bob", "ws to ssh")
	carol.expectAnswer(t, protocol.StatusOK, "message sent")
	got := bob.expectDelivery(t)
	assert.Equal(t, "carol", got.Sender)
	assert.True(t, got.Private)
	alice.expectSilence(t)
}

func TestJourneyConcurrentBroadcasts(t *testing.T) {
	ts := startTestServer(t, func(c *ServerConfig) {
		c.MessageRateLimit = 0
		c.OutboxSize = 512
	})

	const (
		users    = 5
		messages = 20
	)
	clients := make([]*testClient, users)
	for i := range clients {
		name := fmt.Sprintf("user%d", i)
		clients[i] = connectTCP(t, ts, name)
		clients[i].register(t, name)
	}

	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(i int, c *testClient) {
			defer wg.Done()
			for j := 0; j < messages; j++ {
				data, _ := protocol.MarshalFrame(mustFrame(&protocol.SendMessageRequest{
					Message: protocol.Message{Content: fmt.Sprintf("%d-%d", i, j)},
				}))
				c.stream.Write(data)
			}
		}(i, c)
	}
	wg.Wait()

	// Each client sees its own answers plus everyone else's deliveries
	for _, c := range clients {
		answers, deliveries := 0, 0
		for answers+deliveries < messages*users {
			switch c.next(t).Type {
			case protocol.TypeAnswer:
				answers++
			case protocol.TypeDelivery:
				deliveries++
			}
		}
		assert.Equal(t, messages, answers, c.name)
		assert.Equal(t, messages*(users-1), deliveries, c.name)
	}
	assert.Equal(t, uint64(messages*users), ts.srv.History().Total())
}

func mustFrame(e protocol.Envelope) *protocol.Frame {
	f, err := protocol.ToFrame(e)
	if err != nil {
		panic(err)
	}
	return f
}
