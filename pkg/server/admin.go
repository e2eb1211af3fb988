package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/aeolun/sistchat/pkg/logx"
	"github.com/aeolun/sistchat/pkg/registry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
)

const (
	defaultBroadcastLimit = 50
	maxBroadcastLimit     = 1000
)

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Sessions      int    `json:"sessions"`
	Users         int    `json:"users"`
	Broadcasts    uint64 `json:"broadcasts"`
}

// AdminRouter builds the read-only admin API.
func (s *Server) AdminRouter() http.Handler {
	r := chi.NewRouter()

	c := cors.New(cors.Options{
		AllowedOrigins: s.config.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	})
	r.Use(c.Handler)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logx.RequestLogger())
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Get("/users", s.handleUsers)
	r.Get("/broadcasts", s.handleBroadcasts)

	return r
}

// serveAdmin serves the admin API over listener.
func (s *Server) serveAdmin(listener net.Listener) {
	s.adminServer = &http.Server{
		Handler:           s.AdminRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.adminAddr = listener.Addr()
	logx.Info("admin API listening", "addr", listener.Addr().String())

	go func() {
		if err := s.adminServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Error(err, "admin server stopped")
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthStatus{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Sessions:      s.sessions.CountOnlineUsers(),
		Users:         s.registry.Len(),
		Broadcasts:    s.history.Total(),
	})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.registry.Snapshot(registry.All()))
}

// handleBroadcasts returns the most recent broadcasts, newest first.
func (s *Server) handleBroadcasts(w http.ResponseWriter, r *http.Request) {
	limit := defaultBroadcastLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxBroadcastLimit)
	}

	respondJSON(w, http.StatusOK, s.history.Recent(limit))
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		logx.Error(err, "error encoding JSON response", "http_status", status)
		http.Error(w, "error encoding JSON response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	w.Write(body)
}
