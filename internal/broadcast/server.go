package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/andresmejia3/visiontrainer/internal/logger"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StatusFunc reports the current run for /api/v1/status.
type StatusFunc func() any

// Server exposes the hub over HTTP.
type Server struct {
	hub        *Hub
	status     StatusFunc
	router     *chi.Mux
	httpServer *http.Server
	logger     *logger.Logger
}

// NewServer wires the routes. status may be nil.
func NewServer(hub *Hub, status StatusFunc, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	r := chi.NewRouter()
	s := &Server{
		hub:    hub,
		status: status,
		router: r,
		httpServer: &http.Server{
			Handler:      r,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: log,
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
	})
	r.Get("/ws", s.handleViewer)
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on ln until Shutdown. It returns nil right away
// when Shutdown already ran.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("Broadcasting frames on ws://%s/ws", ln.Addr())
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server. Safe to call before Serve.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"viewers": s.hub.ClientCount(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active run"})
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

// handleViewer upgrades the connection and keeps reading until the viewer goes away.
func (s *Server) handleViewer(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade error: %v", err)
		return
	}
	// Viewers only listen; anything they send is read and dropped.
	conn.SetReadLimit(512)

	s.hub.Register(conn)
	defer s.hub.Unregister(conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
