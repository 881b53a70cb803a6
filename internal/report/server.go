// Package report serves archived run results over HTTP for browsing failing
// sequences while a long property is still executing.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"cluster-modelcheck/internal/archive"
	"cluster-modelcheck/internal/config"
	"cluster-modelcheck/internal/logging"
)

// Server exposes the run archive as a small read-only JSON API.
type Server struct {
	cfg     config.ReportConfig
	archive *archive.Archive
	logger  *logging.Logger
	server  *http.Server
}

func NewServer(cfg config.ReportConfig, arch *archive.Archive, logger *logging.Logger) *Server {
	return &Server{
		cfg:     cfg,
		archive: arch,
		logger:  logger.WithComponent("report"),
	}
}

// Routes builds the router. Exposed separately so tests can drive handlers
// without binding a port.
func (s *Server) Routes() *mux.Router {
	router := mux.NewRouter()
	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/runs", s.ListRuns).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{id}", s.GetRun).Methods(http.MethodGet)
	v1.HandleFunc("/stats", s.Stats).Methods(http.MethodGet)
	router.HandleFunc("/health", s.Health).Methods(http.MethodGet)
	return router
}

// Start binds and serves until Stop is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s.logger.Info("report server listening", "addr", addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("report server: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.archive.List()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(runs),
		"runs":  runs,
	})
}

func (s *Server) GetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	report, err := s.archive.Get(id)
	if errors.Is(err, archive.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("run %s not found", id))
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) Stats(w http.ResponseWriter, r *http.Request) {
	runs, err := s.archive.List()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	passed, failed := 0, 0
	for _, run := range runs {
		if run.Passed {
			passed++
		} else {
			failed++
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":  len(runs),
		"passed": passed,
		"failed": failed,
	})
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
