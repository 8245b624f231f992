package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"yardstitch/internal/config"
	"yardstitch/internal/pipeline"
	"yardstitch/internal/storage"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Server exposes yards, mosaics and the job feed over HTTP.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline *pipeline.Pipeline
	engine   pipeline.Stitcher
	defaults config.Stitch
	log      *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
}

// NewServer wires the HTTP surface. pipe may be nil, in which case the job
// endpoints and live feeds answer 503.
func NewServer(addr string, store *storage.Store, pipe *pipeline.Pipeline, engine pipeline.Stitcher, defaults config.Stitch, log *slog.Logger) *Server {
	return &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		engine:   engine,
		defaults: defaults,
		log:      log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	s.setupYardRoutes(r)
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down HTTP server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("HTTP server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", s.handleJob).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentJobs(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	meta, err := s.store.JobMeta(id)
	if err != nil {
		writeError(w, err)
		return
	}
	cams, err := s.store.CameraReports(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "meta": meta, "cameras": cams})
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		http.Error(w, "job pipeline not running", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	flusher.Flush()
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(res.Event())
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

// handleWebSocket pushes every finished job to the client as a JSON text
// message until either side goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		http.Error(w, "job pipeline not running", http.StatusServiceUnavailable)
		return
	}
	// subscribe before the handshake completes so no result is missed
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"))
				return
			}
			if err := conn.WriteJSON(res.Event()); err != nil {
				s.log.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
