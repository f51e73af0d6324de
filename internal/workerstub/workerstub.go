// Package workerstub implements the worker side of the control channel with a
// minimal simulated world. It stands in for the game runtime in tests and
// demos.
package workerstub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sevir/envbridge/pkg/models"
)

// Request kinds counted by the stub.
const (
	KindStart   = "start"
	KindStep    = "step"
	KindPause   = "pause"
	KindUnpause = "unpause"
	KindStop    = "stop"
)

// Config controls the stub's behavior.
type Config struct {
	// StartFailures makes the first N start requests fail with 503.
	StartFailures int
	// StepStatus, when non-zero, is returned for every step request.
	StepStatus int
	// PauseStatus, when non-zero, is returned for pause and unpause requests.
	PauseStatus int
	// DoubleEncode returns step results as a JSON string holding the JSON
	// document.
	DoubleEncode bool
	// StepDelay delays every step response.
	StepDelay time.Duration
}

// Server is the stub worker.
type Server struct {
	cfg Config

	mu        sync.Mutex
	counts    map[string]int
	spawned   bool
	paused    bool
	tick      int
	inventory map[string]int
	position  models.Position
	options   models.ResetOptions
}

// New creates a stub worker.
func New(cfg Config) *Server {
	return &Server{
		cfg:       cfg,
		counts:    make(map[string]int),
		inventory: make(map[string]int),
	}
}

// Handler returns the gin engine serving the control channel.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/start", s.handleStart)
	r.POST("/step", s.handleStep)
	r.POST("/pause", s.handlePause)
	r.POST("/unpause", s.handleUnpause)
	r.POST("/stop", s.handleStop)
	r.GET("/status", s.handleStatus)

	return r
}

// Serve listens on addr, prints the readiness line to out and serves until
// ctx is done.
func (s *Server) Serve(ctx context.Context, addr string, out io.Writer) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	httpServer := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(out, "Server started on port %d\n", ln.Addr().(*net.TCPAddr).Port)

	if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Count returns how many requests of the given kind were received.
func (s *Server) Count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[kind]
}

// Paused reports whether the simulated world is paused.
func (s *Server) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Options returns the options of the last start request.
func (s *Server) Options() models.ResetOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.options.Clone()
}

// SetStepStatus changes the status returned for step requests. Zero restores
// normal behavior.
func (s *Server) SetStepStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.StepStatus = status
}

// SetPauseStatus changes the status returned for pause and unpause requests.
// Zero restores normal behavior.
func (s *Server) SetPauseStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.PauseStatus = status
}

func (s *Server) handleStart(c *gin.Context) {
	var opts models.ResetOptions
	if err := c.ShouldBindJSON(&opts); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[KindStart]++

	if s.counts[KindStart] <= s.cfg.StartFailures {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "world not reachable"})
		return
	}

	s.options = opts.Clone()
	s.spawned = true
	s.paused = false
	if opts.Mode == models.ResetHard {
		s.inventory = make(map[string]int)
		for item, n := range opts.Inventory {
			s.inventory[item] = n
		}
		s.tick = 0
	}
	if opts.Position != nil {
		s.position = *opts.Position
	}
	s.tick += opts.WaitTicks

	log.Printf("worker_stub_event=start mode=%s host=%q port=%d", opts.Mode, opts.Host, opts.Port)
	s.writeEvents(c, []models.Event{s.observeLocked()})
}

func (s *Server) handleStep(c *gin.Context) {
	var req models.StepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	s.counts[KindStep]++
	status := s.cfg.StepStatus
	delay := s.cfg.StepDelay
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.spawned {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Bot not spawned"})
		return
	}
	if status != 0 {
		c.JSON(status, gin.H{"error": "step rejected", "code": req.Code})
		return
	}

	s.tick++
	events := []models.Event{}
	for _, line := range strings.Split(strings.TrimSpace(req.Code), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if item, ok := strings.CutPrefix(line, "give "); ok {
			s.inventory[item]++
		}
		events = append(events, rawEvent("onChat", gin.H{"onChat": "executed " + line}))
	}
	events = append(events, s.observeLocked())

	s.writeEvents(c, events)
}

func (s *Server) handlePause(c *gin.Context) {
	s.setPaused(c, KindPause, true)
}

func (s *Server) handleUnpause(c *gin.Context) {
	s.setPaused(c, KindUnpause, false)
}

func (s *Server) setPaused(c *gin.Context, kind string, paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[kind]++

	if !s.spawned {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Bot not spawned"})
		return
	}
	if s.cfg.PauseStatus != 0 {
		c.JSON(s.cfg.PauseStatus, gin.H{"error": kind + " rejected"})
		return
	}
	s.paused = paused
	c.JSON(http.StatusOK, gin.H{"message": "Success"})
}

func (s *Server) handleStop(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[KindStop]++
	s.spawned = false
	s.paused = false
	c.JSON(http.StatusOK, gin.H{"message": "Bot stopped"})
}

func (s *Server) handleStatus(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int, len(s.counts))
	for k, v := range s.counts {
		counts[k] = v
	}
	c.JSON(http.StatusOK, gin.H{
		"spawned": s.spawned,
		"paused":  s.paused,
		"tick":    s.tick,
		"counts":  counts,
	})
}

func (s *Server) observeLocked() models.Event {
	inventory := make(map[string]int, len(s.inventory))
	for k, v := range s.inventory {
		inventory[k] = v
	}
	return rawEvent("observe", gin.H{
		"status": gin.H{
			"position":    s.position,
			"elapsedTime": s.tick,
			"paused":      s.paused,
		},
		"inventory": inventory,
	})
}

func (s *Server) writeEvents(c *gin.Context, events []models.Event) {
	data, err := json.Marshal(events)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if s.cfg.DoubleEncode {
		c.JSON(http.StatusOK, string(data))
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

func rawEvent(kind string, payload interface{}) models.Event {
	data, _ := json.Marshal(payload)
	return models.Event{Type: kind, Payload: data}
}
