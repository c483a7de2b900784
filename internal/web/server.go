// Package web serves the read-only dispatch console: a status API, a
// live event stream over WebSocket, and a small embedded dashboard.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/libertymesh/operator/internal/buildinfo"
	"github.com/libertymesh/operator/internal/events"
	"github.com/libertymesh/operator/internal/incidents"
	"github.com/libertymesh/operator/internal/session"
)

//go:embed static/*
var staticFiles embed.FS

// writeJSON encodes v as JSON to w. Errors here typically mean the
// client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// StatusProvider supplies the live counters for the status endpoint.
type StatusProvider interface {
	QueueDepth() int
	NodeCount() int
	LocalNode() string
}

// Server is the dispatch console HTTP server. It exposes no control
// surface: everything it serves is a read-only view of state owned
// elsewhere.
type Server struct {
	address string
	port    int
	store   *session.Store
	archive *incidents.Archive
	bus     *events.Bus
	status  StatusProvider
	logger  *slog.Logger
	server  *http.Server

	started time.Time
}

// NewServer creates a console server. archive may be nil.
func NewServer(address string, port int, store *session.Store, archive *incidents.Archive, bus *events.Bus, status StatusProvider, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		store:   store,
		archive: archive,
		bus:     bus,
		status:  status,
		logger:  logger,
		started: time.Now(),
	}
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/incidents", s.handleIncidents)
	mux.HandleFunc("GET /ws/events", s.handleEvents)
	mux.HandleFunc("GET /health", s.handleHealth)

	static, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return fmt.Errorf("embedded static files: %w", err)
	}
	mux.Handle("GET /", http.FileServer(http.FS(static)))

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	s.logger.Info("starting console server", "address", s.address, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

// statusSnapshot is the status endpoint payload.
type statusSnapshot struct {
	Version      string `json:"version"`
	Uptime       string `json:"uptime"`
	LocalNode    string `json:"local_node"`
	Nodes        int    `json:"nodes"`
	QueueDepth   int    `json:"queue_depth"`
	OpenSessions int    `json:"open_sessions"`
	Restricted   int    `json:"restricted"`
	EventClients int    `json:"event_clients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := statusSnapshot{
		Version:      buildinfo.Version,
		Uptime:       time.Since(s.started).Truncate(time.Second).String(),
		OpenSessions: s.store.SessionCount(),
		Restricted:   s.store.RestrictionCount(),
		EventClients: s.bus.SubscriberCount(),
	}
	if s.status != nil {
		snap.QueueDepth = s.status.QueueDepth()
		snap.Nodes = s.status.NodeCount()
		snap.LocalNode = s.status.LocalNode()
	}
	writeJSON(w, snap, s.logger)
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeJSON(w, []incidents.Incident{}, s.logger)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	list, err := s.archive.Recent(limit)
	if err != nil {
		s.logger.Error("incident query failed", "error", err)
		http.Error(w, "archive unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, list, s.logger)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The console binds to the LAN; same-origin enforcement would
	// break field tablets hitting it by IP.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents streams bus events to a WebSocket client until it
// disconnects. A slow client loses events rather than stalling the
// dispatch path.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(sub)

	s.logger.Info("event stream client connected", "remote", r.RemoteAddr)

	// Reads are discarded; the read loop only notices disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			s.logger.Info("event stream client disconnected", "remote", r.RemoteAddr)
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}
