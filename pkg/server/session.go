package server

import (
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/sistchat/pkg/logx"
	"github.com/aeolun/sistchat/pkg/protocol"
	"github.com/aeolun/sistchat/pkg/registry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type sessionState int32

const (
	stateAwaitingRegistration sessionState = iota
	stateActive
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateAwaitingRegistration:
		return "awaiting_registration"
	case stateActive:
		return "active"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// sessionOptions are the per-session limits derived from ServerConfig.
type sessionOptions struct {
	outboxSize   int
	idleTimeout  time.Duration
	writeTimeout time.Duration
	flushTimeout time.Duration
	messageRate  rate.Limit
	messageBurst int
}

type outgoing struct {
	msgType uint8
	data    []byte
}

// Session represents an active client connection.
//
// The handler goroutine owns state and entry. Other sessions only ever
// reach a Session through Deliver, which touches nothing but the outbox.
type Session struct {
	ID         uint64
	TraceID    string
	Transport  string
	RemoteAddr string
	IP         string
	Port       uint16
	Conn       *SafeConn

	logger  atomic.Pointer[zerolog.Logger]
	limiter *rate.Limiter
	metrics *Metrics

	mu    sync.Mutex // Protects state and entry for readers outside the handler
	state sessionState
	entry *registry.Entry

	outbox     chan outgoing
	closed     chan struct{}
	draining   chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	drainOnce  sync.Once
	flushAfter time.Duration
}

func newSession(id uint64, conn io.ReadWriteCloser, remoteAddr, transport string, opts sessionOptions, metrics *Metrics) *Session {
	ip, port := splitRemoteAddr(remoteAddr)
	traceID := uuid.NewString()

	outboxSize := opts.outboxSize
	if outboxSize <= 0 {
		outboxSize = 1
	}

	sess := &Session{
		ID:         id,
		TraceID:    traceID,
		Transport:  transport,
		RemoteAddr: remoteAddr,
		IP:         ip,
		Port:       port,
		Conn:       NewSafeConn(conn, opts.idleTimeout, opts.writeTimeout),
		metrics:    metrics,
		state:      stateAwaitingRegistration,
		outbox:     make(chan outgoing, outboxSize),
		closed:     make(chan struct{}),
		draining:   make(chan struct{}),
		writerDone: make(chan struct{}),
		flushAfter: opts.flushTimeout,
	}
	logger := logx.Logger().With().
		Uint64("session", id).
		Str("trace", traceID).
		Str("remote", remoteAddr).
		Str("transport", transport).
		Logger()
	sess.logger.Store(&logger)
	if opts.messageRate > 0 {
		sess.limiter = rate.NewLimiter(opts.messageRate, max(opts.messageBurst, 1))
	}

	go sess.writeLoop()
	return sess
}

// writeLoop is the only regular writer of the connection. It exits on
// hard close, on a write error, or once the outbox is drained after Flush.
func (s *Session) writeLoop() {
	defer close(s.writerDone)

	for {
		select {
		case out := <-s.outbox:
			if !s.write(out) {
				return
			}
		case <-s.draining:
			for {
				select {
				case out := <-s.outbox:
					if !s.write(out) {
						return
					}
				default:
					return
				}
			}
		case <-s.closed:
			return
		}
	}
}

func (s *Session) write(out outgoing) bool {
	if err := s.Conn.WriteBytes(out.data); err != nil {
		s.log().Debug().Err(err).Str("type", protocol.TypeName(out.msgType)).Msg("write failed")
		s.Close()
		return false
	}
	s.metrics.RecordMessageSent(protocol.TypeName(out.msgType))
	return true
}

func encodeOutgoing(e protocol.Envelope) (outgoing, error) {
	frame, err := protocol.ToFrame(e)
	if err != nil {
		return outgoing{}, err
	}
	data, err := protocol.MarshalFrame(frame)
	if err != nil {
		return outgoing{}, err
	}
	return outgoing{msgType: e.Type(), data: data}, nil
}

// Send queues a response for this session, waiting for outbox space.
func (s *Session) Send(e protocol.Envelope) error {
	out, err := encodeOutgoing(e)
	if err != nil {
		return err
	}

	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	select {
	case s.outbox <- out:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	}
}

// Deliver implements registry.Handle. It never blocks: a recipient whose
// outbox is full is closed and cleans itself up, the sender is unaffected.
func (s *Session) Deliver(msg protocol.Message) error {
	out, err := encodeOutgoing(&protocol.Delivery{Message: msg})
	if err != nil {
		return err
	}

	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	select {
	case s.outbox <- out:
		return nil
	default:
		s.metrics.RecordDeliveryDropped()
		s.log().Warn().Str("from", msg.Sender).Msg("outbox full, closing slow session")
		s.Close()
		return ErrOutboxFull
	}
}

// Notify queues e without waiting; used for server-initiated notices.
func (s *Session) Notify(e protocol.Envelope) error {
	out, err := encodeOutgoing(e)
	if err != nil {
		return err
	}
	select {
	case s.outbox <- out:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Flush lets the writer drain what is already queued, then closes the
// connection. It waits at most the configured flush timeout.
func (s *Session) Flush() {
	s.drainOnce.Do(func() { close(s.draining) })

	timeout := s.flushAfter
	if timeout <= 0 {
		timeout = time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.writerDone:
	case <-timer.C:
		s.log().Debug().Dur("timeout", timeout).Msg("flush timed out")
	}
	s.Close()
}

// Close tears the connection down immediately. Safe to call repeatedly
// and from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.Conn.Close()

		s.mu.Lock()
		s.state = stateClosed
		s.mu.Unlock()
	})
}

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

func (s *Session) State() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Username returns the registered name, or "" before registration.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry == nil {
		return ""
	}
	return s.entry.Name
}

func (s *Session) activate(entry *registry.Entry) {
	s.mu.Lock()
	s.entry = entry
	if s.state == stateAwaitingRegistration {
		s.state = stateActive
	}
	s.mu.Unlock()

	logger := s.log().With().Str("user", entry.Name).Logger()
	s.logger.Store(&logger)
}

// log returns the session's contextual logger.
func (s *Session) log() *zerolog.Logger {
	return s.logger.Load()
}

// takeEntry hands the registration back to the caller for release, at
// most once.
func (s *Session) takeEntry() *registry.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry
	s.entry = nil
	return e
}

// allow reports whether the rate limiter admits one more message.
func (s *Session) allow() bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.Allow()
}

func splitRemoteAddr(addr string) (string, uint16) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return host, 0
	}
	return host, uint16(port)
}

// SessionManager manages all active sessions
type SessionManager struct {
	sessions map[uint64]*Session
	nextID   atomic.Uint64
	mu       sync.RWMutex
	metrics  *Metrics
	opts     sessionOptions
}

// NewSessionManager creates a new session manager
func NewSessionManager(opts sessionOptions) *SessionManager {
	return &SessionManager{
		sessions: make(map[uint64]*Session),
		opts:     opts,
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// CreateSession creates a new session and starts its writer.
func (sm *SessionManager) CreateSession(conn io.ReadWriteCloser, remoteAddr, transport string) *Session {
	sessionID := sm.nextID.Add(1)
	sess := newSession(sessionID, conn, remoteAddr, transport, sm.opts, sm.metrics)

	// Only acquire lock for map insertion (critical section)
	sm.mu.Lock()
	sm.sessions[sessionID] = sess
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	sm.metrics.RecordActiveSessions(sessionCount)
	sm.metrics.RecordSessionCreated()
	return sess
}

// GetSession returns a session by ID
func (sm *SessionManager) GetSession(sessionID uint64) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.sessions[sessionID]
	return sess, ok
}

// GetAllSessions returns all active sessions
func (sm *SessionManager) GetAllSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// RemoveSession drops a session from the map. It reports whether the
// session was still present.
func (sm *SessionManager) RemoveSession(sessionID uint64) bool {
	sm.mu.Lock()
	_, ok := sm.sessions[sessionID]
	if ok {
		delete(sm.sessions, sessionID)
	}
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	if ok {
		sm.metrics.RecordActiveSessions(sessionCount)
		sm.metrics.RecordSessionDisconnected()
	}
	return ok
}

// CountOnlineUsers returns the number of open connections
func (sm *SessionManager) CountOnlineUsers() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}
