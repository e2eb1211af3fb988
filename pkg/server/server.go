package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/sistchat/pkg/history"
	"github.com/aeolun/sistchat/pkg/logx"
	"github.com/aeolun/sistchat/pkg/protocol"
	"github.com/aeolun/sistchat/pkg/registry"
)

const metricsLogInterval = 30 * time.Second

// Server is the chat server: listeners, sessions and the shared registry
// and broadcast log.
type Server struct {
	config   ServerConfig
	registry *registry.Registry
	history  *history.Log
	sessions *SessionManager
	metrics  *Metrics

	listener    net.Listener
	sshListener net.Listener
	httpServer  *http.Server
	httpAddr    net.Addr
	adminServer *http.Server
	adminAddr   net.Addr

	shutdown  chan struct{}
	drained   chan struct{} // Closed once shutdown notices are flushed
	stopOnce  sync.Once
	trackMu   sync.Mutex // Orders wg.Add against Stop
	stopping  bool
	wg        sync.WaitGroup
	startTime time.Time

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// NewServer creates a new server instance
func NewServer(config ServerConfig) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	broadcasts, err := history.NewLog(config.BroadcastLogSize)
	if err != nil {
		return nil, err
	}

	metrics := NewMetrics()
	sessions := NewSessionManager(config.sessionOptions())
	sessions.SetMetrics(metrics)

	return &Server{
		config:    config,
		registry:  registry.New(config.MaxUsers),
		history:   broadcasts,
		sessions:  sessions,
		metrics:   metrics,
		shutdown:  make(chan struct{}),
		drained:   make(chan struct{}),
		startTime: time.Now(),
	}, nil
}

func (s *Server) listenAddr(port int) string {
	return net.JoinHostPort(s.config.BindAddress, strconv.Itoa(port))
}

// Start binds every configured listener and begins accepting. A bind
// failure is returned and leaves nothing running.
func (s *Server) Start() error {
	addr := s.listenAddr(s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	logx.Info("TCP server listening", "addr", listener.Addr().String())

	if err := s.startSSHServer(); err != nil {
		s.closeListeners()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	if s.config.HTTPPort > 0 {
		addr := s.listenAddr(s.config.HTTPPort)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		s.serveWebSocket(ln)
	}

	if s.config.AdminPort > 0 {
		addr := s.listenAddr(s.config.AdminPort)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		s.serveAdmin(ln)
	}

	s.wg.Add(1)
	go s.metricsLoggingLoop()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop gracefully stops the server: listeners close, every session is
// told the server is going away, and Stop returns once all connection
// goroutines have finished.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		logx.Info("graceful shutdown initiated")

		s.trackMu.Lock()
		s.stopping = true
		s.trackMu.Unlock()

		close(s.shutdown)
		s.closeListeners()
		s.notifyClientsOfShutdown()
		close(s.drained)

		s.wg.Wait()
		logx.Info("graceful shutdown complete", "uptime", time.Since(s.startTime).Round(time.Second).String())
	})
	return nil
}

func (s *Server) closeListeners() {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.sshListener != nil {
		s.sshListener.Close()
	}
	if s.httpServer != nil {
		s.httpServer.Close()
	}
	if s.adminServer != nil {
		s.adminServer.Close()
	}
}

// notifyClientsOfShutdown sends a final Answer to every session and closes it
func (s *Server) notifyClientsOfShutdown() {
	sessions := s.sessions.GetAllSessions()
	if len(sessions) == 0 {
		return
	}

	logx.Info("notifying sessions of shutdown", "sessions", len(sessions))

	notice := protocol.NewAnswer(protocol.StatusOK, "server shutting down")
	var wg sync.WaitGroup
	for _, sess := range sessions {
		if err := sess.Notify(notice); err != nil {
			sess.log().Debug().Err(err).Msg("shutdown notice not queued")
		}
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			sess.Flush()
		}(sess)
	}
	wg.Wait()
}

// track registers one more connection goroutine unless the server is
// stopping.
func (s *Server) track() bool {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	if s.stopping {
		return false
	}
	s.wg.Add(1)
	return true
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logx.Error(err, "accept error")
			continue
		}

		if !s.track() {
			conn.Close()
			return
		}
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}
	s.serveSession(conn, conn.RemoteAddr().String(), "tcp")
}

// serveSession runs one session to completion on the calling goroutine,
// whatever the transport.
func (s *Server) serveSession(conn io.ReadWriteCloser, remoteAddr, transport string) {
	sess := s.sessions.CreateSession(conn, remoteAddr, transport)
	s.connectionsSinceReport.Add(1)
	sess.log().Debug().Msg("new connection")

	defer s.endSession(sess)

	// Stop may have taken its session snapshot just before this one
	// was added.
	select {
	case <-s.shutdown:
		sess.Notify(protocol.NewAnswer(protocol.StatusOK, "server shutting down"))
		return
	default:
	}

	s.messageLoop(sess)
}

// endSession is the single cleanup path for every way a session ends.
func (s *Server) endSession(sess *Session) {
	s.releaseRegistration(sess)
	if s.sessions.RemoveSession(sess.ID) {
		s.disconnectionsSinceReport.Add(1)
	}
	sess.Flush()
	sess.log().Debug().Msg("session closed")
}

func (s *Server) messageLoop(sess *Session) {
	for {
		frame, err := sess.Conn.ReadFrame()
		if err != nil {
			s.handleReadError(sess, err)
			return
		}

		msgType := protocol.TypeName(frame.Type)
		s.metrics.RecordMessageReceived(msgType)
		sess.log().Debug().Str("type", msgType).Int("len", len(frame.Payload)).Msg("recv")

		req, err := protocol.DecodeRequest(frame)
		if err != nil {
			sess.log().Debug().Err(err).Msg("malformed request")
			s.reply(sess, protocol.StatusBadRequest, "malformed request")
			return
		}

		if err := s.handleRequest(sess, req); err != nil {
			switch {
			case errors.Is(err, ErrClientDisconnecting):
				sess.log().Debug().Msg("disconnected gracefully")
			case errors.Is(err, ErrRegistrationRequired):
				sess.log().Debug().Str("type", msgType).Msg("request before registration")
			default:
				sess.log().Debug().Err(err).Msg("session ended")
			}
			return
		}
	}
}

func isFrameError(err error) bool {
	return errors.Is(err, protocol.ErrFrameTooLarge) ||
		errors.Is(err, protocol.ErrInvalidFrameLength) ||
		errors.Is(err, protocol.ErrInvalidVersion) ||
		errors.Is(err, protocol.ErrDecompressionFailed) ||
		errors.Is(err, protocol.ErrInvalidCompressedLen)
}

func (s *Server) handleReadError(sess *Session, err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		sess.log().Debug().Msg("client disconnected")
	case isFrameError(err):
		sess.log().Debug().Err(err).Msg("bad frame")
		s.reply(sess, protocol.StatusBadRequest, "malformed request")
	case errors.As(err, &netErr) && netErr.Timeout():
		sess.log().Info().Dur("idle_timeout", s.config.IdleTimeout).Msg("idle timeout")
	default:
		select {
		case <-sess.Done():
			sess.log().Debug().Msg("connection closed")
		default:
			sess.log().Debug().Err(err).Msg("read error")
		}
	}
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(metricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			logx.Info("server stats",
				"sessions", s.sessions.CountOnlineUsers(),
				"users", s.registry.Len(),
				"connected", s.connectionsSinceReport.Swap(0),
				"disconnected", s.disconnectionsSinceReport.Swap(0),
				"broadcasts", s.history.Total(),
				"goroutines", runtime.NumGoroutine(),
			)
		}
	}
}

// Addr returns the TCP listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) SSHAddr() net.Addr {
	if s.sshListener == nil {
		return nil
	}
	return s.sshListener.Addr()
}

func (s *Server) HTTPAddr() net.Addr {
	return s.httpAddr
}

func (s *Server) AdminAddr() net.Addr {
	return s.adminAddr
}

func (s *Server) Registry() *registry.Registry {
	return s.registry
}

func (s *Server) History() *history.Log {
	return s.history
}
