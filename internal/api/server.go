// Package api exposes a running session over HTTP: usage and status
// views, snapshot management, and a WebSocket that streams broker
// events to attached UIs. The server binds to loopback by default and
// only accepts browser origins from localhost.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	ctxmgr "github.com/Tecet/ollm-cli/internal/context"
	"github.com/Tecet/ollm-cli/internal/events"
	"github.com/Tecet/ollm-cli/internal/monitor"
	"github.com/Tecet/ollm-cli/internal/session"
	"github.com/Tecet/ollm-cli/internal/snapshot"
	"github.com/Tecet/ollm-cli/internal/storage"
)

// Deps are the services the server reads from. Session and Events are
// required; Snapshots and Monitor widen the surface when present.
type Deps struct {
	Session   *session.Session
	Events    *events.Manager
	Snapshots *snapshot.Manager
	Monitor   *monitor.Monitor
}

// Server is the HTTP face of one running session.
type Server struct {
	deps       Deps
	router     *mux.Router
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// NewServer builds the server and its routes.
func NewServer(deps Deps) (*Server, error) {
	if deps.Session == nil {
		return nil, errors.New("api: session is required")
	}
	if deps.Events == nil {
		return nil, errors.New("api: event manager is required")
	}

	s := &Server{
		deps: deps,
		upgrader: websocket.Upgrader{
			CheckOrigin: isLoopbackOrigin,
		},
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the root handler, for mounting under a test server.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Stop is called or the listener fails.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	log.Info("api server listening", "addr", addr)

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.corsMiddleware)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/usage", s.handleUsage).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	api.HandleFunc("/snapshots", s.handleListSnapshots).Methods(http.MethodGet)
	api.HandleFunc("/snapshots", s.handleCreateSnapshot).Methods(http.MethodPost)
	api.HandleFunc("/snapshots/{id}/restore", s.handleRestoreSnapshot).Methods(http.MethodPost)
	api.HandleFunc("/snapshots/{id}", s.handleDeleteSnapshot).Methods(http.MethodDelete)

	api.HandleFunc("/events/ws", s.handleEventsWS)

	return router
}

// isLoopbackOrigin admits browser origins from localhost on any port,
// and non-browser clients that send no Origin at all.
func isLoopbackOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && isLoopbackOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warn("encoding api response failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"session":   s.deps.Session.ID(),
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Session.Usage())
}

// StatusResponse combines the session view with host memory and broker
// statistics.
type StatusResponse struct {
	Session session.Report      `json:"session"`
	Memory  monitor.MemoryInfo  `json:"memory"`
	Events  events.ManagerStats `json:"events"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Session: s.deps.Session.Usage(),
		Events:  s.deps.Events.GetStats(),
	}
	if s.deps.Monitor != nil {
		resp.Memory = s.deps.Monitor.Query()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	metas, err := s.deps.Session.ListSnapshots(r.Context())
	if err != nil {
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if metas == nil {
		metas = []ctxmgr.SnapshotMeta{}
	}
	s.writeJSON(w, http.StatusOK, metas)
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Session.CreateSnapshot(r.Context())
	if err != nil {
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusCreated, ctxmgr.SnapshotMeta{
		ID:         snap.ID,
		SessionID:  snap.SessionID,
		CreatedAt:  snap.CreatedAt,
		TokenCount: snap.TokenCount,
		Summary:    snap.Summary,
	})
}

func (s *Server) handleRestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Session.RestoreSnapshot(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, err.Error(), http.StatusNotFound)
			return
		}
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Session.Usage())
}

func (s *Server) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.deps.Snapshots == nil {
		s.writeError(w, "snapshot store not configured", http.StatusServiceUnavailable)
		return
	}

	id := mux.Vars(r)["id"]
	if err := s.deps.Snapshots.Delete(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, err.Error(), http.StatusNotFound)
			return
		}
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
