// Package server exposes one environment bridge over HTTP for status
// inspection and remote control.
package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/sevir/envbridge/internal/bridge"
	"github.com/sevir/envbridge/internal/recorder"
	"github.com/sevir/envbridge/internal/supervisor"
)

// Worker reports the supervised process.
type Worker interface {
	Status() supervisor.Status
}

// History exposes recorded steps.
type History interface {
	SessionID() string
	Iteration() int
	TaskCounts() map[string]int
	List(filter recorder.ListFilter) []recorder.Entry
}

// Server is the status and control HTTP server.
type Server struct {
	bridge     *bridge.Bridge
	worker     Worker
	history    History
	addr       string
	version    string
	commit     string
	startedAt  time.Time
	httpServer *http.Server
}

// Config holds server configuration.
type Config struct {
	Addr    string
	Bridge  *bridge.Bridge
	Worker  Worker
	History History
	Version string
	Commit  string
}

// New creates a new server.
func New(cfg Config) *Server {
	s := &Server{
		bridge:    cfg.Bridge,
		worker:    cfg.Worker,
		history:   cfg.History,
		addr:      cfg.Addr,
		version:   cfg.Version,
		commit:    cfg.Commit,
		startedAt: time.Now(),
	}

	s.httpServer = &http.Server{
		Addr:        cfg.Addr,
		Handler:     s.corsMiddleware(s.newGinEngine()),
		ReadTimeout: 30 * time.Second,
		// Steps may block for as long as the worker's request timeout.
		WriteTimeout: 0,
	}

	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	log.Printf("Starting HTTP server on %s", s.addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
