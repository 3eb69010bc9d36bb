package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/Forestrat-Inc/duckdb-notebooks/internal/shutdown"
)

// Server is the monitoring and control surface. All endpoints return small
// JSON documents; the dashboard UI polls them at ~5s. No authentication.
type Server struct {
	reader     Reader
	flagPath   string
	httpServer *http.Server
}

func NewServer(reader Reader, port, flagPath string) *Server {
	r := mux.NewRouter()
	s := &Server{
		reader:   reader,
		flagPath: flagPath,
	}

	r.Use(commonMiddleware)
	r.Use(rateLimitMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/overview", s.handleOverview).Methods("GET")
	r.HandleFunc("/api/progress_detail", s.handleProgressDetail).Methods("GET")
	r.HandleFunc("/api/errors", s.handleErrors).Methods("GET")
	r.HandleFunc("/api/statistics", s.handleStatistics).Methods("GET")
	r.HandleFunc("/control/shutdown", s.handleControlShutdown).Methods("POST")
	r.HandleFunc("/control/resume", s.handleControlResume).Methods("POST")

	s.httpServer = &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	log.Printf("[api] dashboard listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requestTimeout bounds every read so a wedged query cannot pile up poller
// requests.
const requestTimeout = 10 * time.Second

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	overview, err := s.reader.Overview(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	overview.ShutdownRequested = shutdown.FlagExists(s.flagPath)
	writeJSON(w, http.StatusOK, overview)
}

func (s *Server) handleProgressDetail(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	rows, err := s.reader.ProgressDetail(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"daily": rows})
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be 1-1000"})
			return
		}
		limit = n
	}

	rows, err := s.reader.RecentErrors(ctx, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": rows})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	stats, err := s.reader.Statistics(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleControlShutdown(w http.ResponseWriter, r *http.Request) {
	if err := shutdown.CreateFlag(s.flagPath); err != nil {
		writeError(w, err)
		return
	}
	log.Printf("[api] shutdown requested via dashboard")
	writeJSON(w, http.StatusOK, map[string]any{"shutdown_requested": shutdown.FlagExists(s.flagPath)})
}

func (s *Server) handleControlResume(w http.ResponseWriter, r *http.Request) {
	if err := shutdown.RemoveFlag(s.flagPath); err != nil {
		writeError(w, err)
		return
	}
	log.Printf("[api] resume requested via dashboard")
	writeJSON(w, http.StatusOK, map[string]any{"shutdown_requested": shutdown.FlagExists(s.flagPath)})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	log.Printf("[api] request failed: %v", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
