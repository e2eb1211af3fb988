package server

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/aeolun/sistchat/pkg/logx"
	"github.com/aeolun/sistchat/pkg/protocol"
	"github.com/aeolun/sistchat/pkg/transport"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browsers from any origin may connect; there is no authentication
	// to protect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// serveWebSocket serves the chat protocol on /ws over listener.
func (s *Server) serveWebSocket(listener net.Listener) {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Get("/ws", s.HandleWebSocket)

	s.httpServer = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpAddr = listener.Addr()
	logx.Info("WebSocket server listening", "addr", listener.Addr().String())

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Error(err, "WebSocket server stopped")
		}
	}()
}

// HandleWebSocket upgrades the request and runs a chat session over it.
// Each binary message carries bytes of the same frame stream TCP clients
// use.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		logx.Debug("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err.Error())
		return
	}
	conn.SetReadLimit(2 * protocol.MaxFrameSize)

	s.serveSession(transport.NewWebSocketConn(conn), r.RemoteAddr, "websocket")
}
