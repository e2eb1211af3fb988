// Package client implements the client side of the chat protocol over
// TCP, SSH and WebSocket.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/sistchat/pkg/protocol"
	"github.com/aeolun/sistchat/pkg/transport"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

const (
	defaultDialTimeout = 5 * time.Second
	deliveryBuffer     = 256
	noticeBuffer       = 8
)

// ErrClosed is returned by requests on a connection that has ended.
var ErrClosed = errors.New("connection closed")

// AnswerError is a request the server rejected.
type AnswerError struct {
	Status  uint16
	Message string
}

func (e *AnswerError) Error() string {
	return fmt.Sprintf("server answered %d: %s", e.Status, e.Message)
}

// Options tunes Dial. The zero value is usable.
type Options struct {
	// DialTimeout bounds connection setup when ctx has no deadline.
	DialTimeout time.Duration
	// HostKeyCallback verifies the server's SSH host key. Defaults to
	// accepting any key: the protocol carries no credentials.
	HostKeyCallback ssh.HostKeyCallback
	// Logger receives connection events. Defaults to a no-op logger.
	Logger *zerolog.Logger
}

// Connection is one client connection. Requests are serialised so each
// one is paired with exactly the next Answer; deliveries from other users
// arrive on Deliveries in between.
type Connection struct {
	addr      serverAddress
	stream    io.ReadWriteCloser
	extra     io.Closer // SSH client under the channel
	logger    zerolog.Logger
	transport string

	reqMu   sync.Mutex // One request in flight
	waitMu  sync.Mutex
	waiter  chan *protocol.Answer
	orphans int // Answers still owed to abandoned requests

	deliveries chan protocol.Message
	notices    chan protocol.Answer

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	username atomic.Pointer[string]

	closed    chan struct{}
	done      chan struct{}
	readErr   error
	closeOnce sync.Once
}

// Dial connects to addr: "host[:port]", "tcp://", "ssh://[user@]host[:port]"
// or "ws://host[:port]".
func Dial(ctx context.Context, addr string) (*Connection, error) {
	return DialWithOptions(ctx, addr, Options{})
}

func DialWithOptions(ctx context.Context, addr string, opts Options) (*Connection, error) {
	parsed, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}

	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var (
		stream io.ReadWriteCloser
		extra  io.Closer
	)
	switch parsed.transport {
	case TransportTCP:
		stream, err = dialTCP(ctx, parsed)
	case TransportSSH:
		stream, extra, err = dialSSH(ctx, parsed, opts.HostKeyCallback)
	case TransportWebSocket:
		stream, err = dialWebSocket(ctx, parsed)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", parsed, err)
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("server", parsed.String()).Logger()
	}

	c := newConnection(parsed, stream, extra, logger)
	logger.Debug().Str("transport", parsed.transport).Msg("connected")
	return c, nil
}

func newConnection(addr serverAddress, stream io.ReadWriteCloser, extra io.Closer, logger zerolog.Logger) *Connection {
	c := &Connection{
		addr:       addr,
		stream:     stream,
		extra:      extra,
		logger:     logger,
		transport:  addr.transport,
		deliveries: make(chan protocol.Message, deliveryBuffer),
		notices:    make(chan protocol.Answer, noticeBuffer),
		closed:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func dialTCP(ctx context.Context, addr serverAddress) (io.ReadWriteCloser, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr.hostPort())
	if err != nil {
		return nil, err
	}
	// Enable TCP_NODELAY for low latency
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}
	return conn, nil
}

// dialSSH opens an SSH connection with no client authentication and one
// session channel that carries the frame stream.
func dialSSH(ctx context.Context, addr serverAddress, hostKeyCallback ssh.HostKeyCallback) (io.ReadWriteCloser, io.Closer, error) {
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr.hostPort())
	if err != nil {
		return nil, nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	config := &ssh.ClientConfig{
		User:            addr.user,
		HostKeyCallback: hostKeyCallback,
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr.hostPort(), config)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("ssh handshake: %w", err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("open ssh channel: %w", err)
	}
	go ssh.DiscardRequests(requests)

	// Deadlines only guard the handshake
	conn.SetDeadline(time.Time{})
	return transport.NewSSHChannelConn(channel, conn.RemoteAddr()), client, nil
}

func dialWebSocket(ctx context.Context, addr serverAddress) (io.ReadWriteCloser, error) {
	dialer := websocket.Dialer{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	conn, _, err := dialer.DialContext(ctx, addr.webSocketURL(), nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(2 * protocol.MaxFrameSize)
	return transport.NewWebSocketConn(conn), nil
}

// readLoop is the only reader. Answers go to the pending request (or to
// Notices when none is pending), deliveries to Deliveries.
func (c *Connection) readLoop() {
	defer close(c.done)
	defer close(c.deliveries)

	r := bufio.NewReader(&countingReader{r: c.stream, counter: &c.bytesReceived})
	for {
		frame, err := protocol.DecodeFrame(r)
		if err != nil {
			c.readErr = err
			c.logger.Debug().Err(err).Msg("read loop ended")
			return
		}

		resp, err := protocol.DecodeResponse(frame)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}

		switch m := resp.(type) {
		case *protocol.Answer:
			c.dispatchAnswer(m)
		case *protocol.Delivery:
			select {
			case c.deliveries <- m.Message:
			case <-c.closed:
				return
			}
		}
	}
}

func (c *Connection) dispatchAnswer(a *protocol.Answer) {
	c.waitMu.Lock()
	// Answers arrive in request order, so the ones owed to abandoned
	// requests come before the current waiter's.
	if c.orphans > 0 {
		c.orphans--
		c.waitMu.Unlock()
		c.logger.Debug().Uint16("status", a.StatusCode).Msg("late answer discarded")
		return
	}
	waiter := c.waiter
	c.waiter = nil
	c.waitMu.Unlock()

	if waiter != nil {
		waiter <- a
		return
	}

	select {
	case c.notices <- *a:
	default:
		c.logger.Warn().Uint16("status", a.StatusCode).Str("content", a.Message.Content).Msg("notice dropped")
	}
}

// request sends req and waits for its Answer.
func (c *Connection) request(ctx context.Context, req protocol.Request) (*protocol.Answer, error) {
	frame, err := protocol.ToFrame(req)
	if err != nil {
		return nil, err
	}
	data, err := protocol.MarshalFrame(frame)
	if err != nil {
		return nil, err
	}

	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	select {
	case <-c.done:
		return nil, c.closedErr()
	default:
	}

	waiter := make(chan *protocol.Answer, 1)
	c.waitMu.Lock()
	c.waiter = waiter
	c.waitMu.Unlock()

	clearWaiter := func() {
		c.waitMu.Lock()
		if c.waiter == waiter {
			c.waiter = nil
		}
		c.waitMu.Unlock()
	}

	n, err := c.stream.Write(data)
	c.bytesSent.Add(uint64(n))
	if err != nil {
		clearWaiter()
		return nil, fmt.Errorf("send %s: %w", protocol.TypeName(req.Type()), err)
	}

	select {
	case answer := <-waiter:
		return answer, nil
	case <-c.done:
		// The answer may have raced the close
		select {
		case answer := <-waiter:
			return answer, nil
		default:
		}
		clearWaiter()
		return nil, c.closedErr()
	case <-ctx.Done():
		c.waitMu.Lock()
		if c.waiter == waiter {
			c.waiter = nil
			c.orphans++
		}
		c.waitMu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Connection) closedErr() error {
	if c.readErr != nil && !errors.Is(c.readErr, io.EOF) && !errors.Is(c.readErr, net.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, c.readErr)
	}
	return ErrClosed
}

// expect returns the answer content when its status is one of ok.
func (c *Connection) expect(ctx context.Context, req protocol.Request, ok ...uint16) (string, error) {
	answer, err := c.request(ctx, req)
	if err != nil {
		return "", err
	}
	for _, status := range ok {
		if answer.StatusCode == status {
			return answer.Message.Content, nil
		}
	}
	return "", &AnswerError{Status: answer.StatusCode, Message: answer.Message.Content}
}

// Register claims username for this connection.
func (c *Connection) Register(ctx context.Context, username string) error {
	if _, err := c.expect(ctx, &protocol.CreateUserRequest{Username: username}, protocol.StatusOK); err != nil {
		return err
	}
	c.username.Store(&username)
	return nil
}

// ListUsers returns the server's user list. An empty target lists
// everyone; otherwise only that user is looked up.
func (c *Connection) ListUsers(ctx context.Context, target string) (string, error) {
	req := &protocol.ListUsersRequest{ListAll: target == ""}
	if target != "" {
		req.TargetUser = &target
	}
	return c.expect(ctx, req, protocol.StatusInfo)
}

func (c *Connection) Broadcast(ctx context.Context, content string) error {
	_, err := c.expect(ctx, &protocol.SendMessageRequest{Message: protocol.Message{
		Sender:  c.Username(),
		Content: content,
	}}, protocol.StatusOK)
	return err
}

func (c *Connection) SendPrivate(ctx context.Context, to, content string) error {
	_, err := c.expect(ctx, &protocol.SendMessageRequest{Message: protocol.Message{
		Sender:      c.Username(),
		Content:     content,
		Private:     true,
		Destination: &to,
	}}, protocol.StatusOK)
	return err
}

func (c *Connection) ChangeStatus(ctx context.Context, state protocol.UserState) error {
	_, err := c.expect(ctx, &protocol.ChangeStatusRequest{State: state}, protocol.StatusOK)
	return err
}

// UserInfo returns the server's description of username.
func (c *Connection) UserInfo(ctx context.Context, username string) (string, error) {
	return c.expect(ctx, &protocol.UserInfoRequest{Username: username}, protocol.StatusInfo)
}

// Disconnect releases the username and closes the connection.
func (c *Connection) Disconnect(ctx context.Context) error {
	defer c.Close()
	_, err := c.expect(ctx, &protocol.DisconnectRequest{}, protocol.StatusOK)
	return err
}

// Deliveries yields messages from other users. It is closed when the
// connection ends.
func (c *Connection) Deliveries() <-chan protocol.Message {
	return c.deliveries
}

// Notices yields answers the server sent without a pending request,
// such as its shutdown notice.
func (c *Connection) Notices() <-chan protocol.Answer {
	return c.notices
}

// Done is closed when the connection has ended for any reason.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended, or nil while it is open or after
// a clean close.
func (c *Connection) Err() error {
	select {
	case <-c.done:
	default:
		return nil
	}
	if errors.Is(c.readErr, io.EOF) || errors.Is(c.readErr, net.ErrClosed) {
		return nil
	}
	return c.readErr
}

// Close closes the connection. Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.stream.Close()
		if c.extra != nil {
			c.extra.Close()
		}
	})
	return err
}

// Username is the name registered on this connection, or "".
func (c *Connection) Username() string {
	if p := c.username.Load(); p != nil {
		return *p
	}
	return ""
}

// Address returns the server address with its scheme.
func (c *Connection) Address() string {
	return c.addr.String()
}

// Transport returns "tcp", "ssh" or "websocket".
func (c *Connection) Transport() string {
	return c.transport
}

func (c *Connection) BytesSent() uint64 {
	return c.bytesSent.Load()
}

func (c *Connection) BytesReceived() uint64 {
	return c.bytesReceived.Load()
}

type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.counter.Add(uint64(n))
	return n, err
}
