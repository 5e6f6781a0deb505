// Package server provides the read-only HTTP API over the trap engine.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/honeytrap-sensor/internal/trap"
	"github.com/invisible-tech/honeytrap-sensor/internal/version"
	"github.com/invisible-tech/honeytrap-sensor/pkg/reporter"
)

const (
	defaultSessionLimit = 100
	defaultTopAttackers = 10
)

// ReporterStats is satisfied by *reporter.Reporter.
type ReporterStats interface {
	Stats() reporter.Stats
}

// Server is the HTTP server for the trapd API.
type Server struct {
	addr       string
	log        *logrus.Logger
	engine     atomic.Pointer[trap.Engine]
	reporter   ReporterStats
	httpServer *http.Server
}

// New creates the API server. gatherer backs /metrics; rep may be nil.
func New(addr string, engine *trap.Engine, gatherer prometheus.Gatherer, rep ReporterStats, log *logrus.Logger) *Server {
	s := &Server{addr: addr, log: log, reporter: rep}
	s.engine.Store(engine)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/services", s.handleServices)
		r.Get("/sessions", s.handleSessions)
		r.Get("/intel", s.handleIntel)
		r.Get("/intel/summary", s.handleIntelSummary)
		r.Get("/attackers", s.handleAttackers)
		r.Get("/attackers/{ip}", s.handleAttacker)
		r.Get("/reporter", s.handleReporter)
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// SetEngine swaps the engine served, e.g. after a config reload.
func (s *Server) SetEngine(e *trap.Engine) {
	s.engine.Store(e)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts the HTTP server. It blocks until the server is closed.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.addr).Info("API listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// current returns the engine or answers 503.
func (s *Server) current(w http.ResponseWriter) *trap.Engine {
	e := s.engine.Load()
	if e == nil {
		http.Error(w, "Engine not ready", http.StatusServiceUnavailable)
	}
	return e
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{
		"status":  "healthy",
		"version": version.Version,
		"engine":  "unavailable",
	}
	if e := s.engine.Load(); e != nil {
		body["engine"] = string(e.Status())
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if e := s.current(w); e != nil {
		writeJSON(w, http.StatusOK, e.Statistics())
	}
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	e := s.current(w)
	if e == nil {
		return
	}
	failed := make(map[string]string)
	for t, err := range e.FailedServices() {
		failed[string(t)] = err.Error()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  e.Status(),
		"running": e.RunningServices(),
		"failed":  failed,
	})
}

// queryInt parses a positive integer query parameter.
func queryInt(r *http.Request, key string, def int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	e := s.current(w)
	if e == nil {
		return
	}
	limit, ok := queryInt(r, "limit", defaultSessionLimit)
	if !ok {
		http.Error(w, "Invalid limit", http.StatusBadRequest)
		return
	}
	sessions := e.CompletedSessions()
	if len(sessions) > limit {
		sessions = sessions[len(sessions)-limit:]
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleIntel(w http.ResponseWriter, r *http.Request) {
	if e := s.current(w); e != nil {
		writeJSON(w, http.StatusOK, e.IntelReports())
	}
}

func (s *Server) handleIntelSummary(w http.ResponseWriter, r *http.Request) {
	if e := s.current(w); e != nil {
		writeJSON(w, http.StatusOK, e.IntelSummary())
	}
}

func (s *Server) handleAttackers(w http.ResponseWriter, r *http.Request) {
	e := s.current(w)
	if e == nil {
		return
	}
	top, ok := queryInt(r, "top", defaultTopAttackers)
	if !ok {
		http.Error(w, "Invalid top", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, e.Profiler().TopAttackers(top))
}

func (s *Server) handleAttacker(w http.ResponseWriter, r *http.Request) {
	e := s.current(w)
	if e == nil {
		return
	}
	ip := chi.URLParam(r, "ip")
	if net.ParseIP(ip) == nil {
		http.Error(w, "Invalid IP address", http.StatusBadRequest)
		return
	}
	profile, ok := e.Profiler().Profile(ip)
	if !ok {
		http.Error(w, "Attacker not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleReporter(w http.ResponseWriter, r *http.Request) {
	if s.reporter == nil {
		writeJSON(w, http.StatusOK, reporter.Stats{})
		return
	}
	writeJSON(w, http.StatusOK, s.reporter.Stats())
}
