package server

import (
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sevir/envbridge/internal/bridge"
	"github.com/sevir/envbridge/internal/recorder"
	"github.com/sevir/envbridge/pkg/models"
)

const logChunkSize = 64 * 1024

func (s *Server) newGinEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)

	api := r.Group("/api")
	{
		api.GET("/version", s.handleAPIVersion)
		api.GET("/status", s.handleAPIStatus)
		api.GET("/worker/log", s.handleAPIWorkerLog)
		api.GET("/events", s.handleAPIEvents)
		api.POST("/reset", s.handleAPIReset)
		api.POST("/step", s.handleAPIStep)
		api.POST("/pause", s.handleAPIPause)
		api.POST("/unpause", s.handleAPIUnpause)
		api.POST("/close", s.handleAPIClose)
	}

	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"state":  s.bridge.State(),
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleAPIVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": s.version,
		"commit":  s.commit,
	})
}

func (s *Server) handleAPIStatus(c *gin.Context) {
	resp := gin.H{"bridge": s.bridge.Stats()}
	if s.worker != nil {
		resp["worker"] = s.worker.Status()
	}
	if s.history != nil {
		resp["recorder"] = gin.H{
			"session_id":  s.history.SessionID(),
			"iteration":   s.history.Iteration(),
			"task_counts": s.history.TaskCounts(),
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAPIWorkerLog(c *gin.Context) {
	if s.worker == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "worker not available"})
		return
	}
	logFile := s.worker.Status().LogFile
	if logFile == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "log not available"})
		return
	}

	offset, err := parseNonNegative(c, "offset")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
		return
	}

	data, nextOffset, truncated, err := readLogChunk(logFile, int64(offset), logChunkSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"log_file":    logFile,
		"content":     string(data),
		"next_offset": nextOffset,
		"truncated":   truncated,
	})
}

func (s *Server) handleAPIEvents(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "recorder not enabled"})
		return
	}

	limit, err := parseNonNegative(c, "limit")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	offset, err := parseNonNegative(c, "offset")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
		return
	}

	entries := s.history.List(recorder.ListFilter{
		Task:   strings.TrimSpace(c.Query("task")),
		Limit:  limit,
		Offset: offset,
	})
	c.JSON(http.StatusOK, gin.H{
		"iteration": s.history.Iteration(),
		"entries":   entries,
	})
}

func (s *Server) handleAPIReset(c *gin.Context) {
	var opts models.ResetOptions
	// An empty body resets with the configured defaults.
	if err := c.ShouldBindJSON(&opts); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.bridge.Reset(c.Request.Context(), opts)
	if err != nil {
		writeBridgeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.bridge.State(), "result": result})
}

func (s *Server) handleAPIStep(c *gin.Context) {
	var req struct {
		Code     string `json:"code"`
		Programs string `json:"programs"`
		Task     string `json:"task"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.bridge.Step(c.Request.Context(), models.StepRequest{
		Code:     req.Code,
		Programs: req.Programs,
		Task:     req.Task,
	})
	if err != nil {
		writeBridgeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.bridge.State(), "result": result})
}

func (s *Server) handleAPIPause(c *gin.Context) {
	if err := s.bridge.Pause(c.Request.Context()); err != nil {
		writeBridgeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.bridge.State()})
}

func (s *Server) handleAPIUnpause(c *gin.Context) {
	if err := s.bridge.Unpause(c.Request.Context()); err != nil {
		writeBridgeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.bridge.State()})
}

func (s *Server) handleAPIClose(c *gin.Context) {
	s.bridge.Close()
	c.JSON(http.StatusOK, gin.H{"state": s.bridge.State()})
}

// writeBridgeError maps a bridge error kind to an HTTP status.
func writeBridgeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	kind := ""
	switch bridge.Kind(err) {
	case bridge.ErrInvalidOptions:
		status, kind = http.StatusBadRequest, "invalid_options"
	case bridge.ErrNotReady:
		status, kind = http.StatusConflict, "not_ready"
	case bridge.ErrStepFailed:
		status, kind = http.StatusUnprocessableEntity, "step_failed"
	case bridge.ErrConnectionFailed:
		status, kind = http.StatusBadGateway, "connection_failed"
	}

	resp := gin.H{"error": err.Error()}
	if kind != "" {
		resp["kind"] = kind
	}

	var be *bridge.Error
	if errors.As(err, &be) {
		resp["state"] = be.State
		if be.Attempt > 0 {
			resp["attempt"] = be.Attempt
		}
		if be.StatusCode != 0 {
			resp["worker_status"] = be.StatusCode
			resp["worker_body"] = string(be.Body)
		}
	}
	c.JSON(status, resp)
}

func parseNonNegative(c *gin.Context, key string) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, errors.New("negative value")
	}
	return v, nil
}

func readLogChunk(path string, offset, max int64) ([]byte, int64, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, false, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, offset, false, err
	}

	size := st.Size()
	start := offset
	truncated := false

	if start < 0 {
		start = 0
	}
	if start > size {
		start = size
	}

	// From offset 0, a large file yields its tail.
	if start == 0 && size > max {
		start = size - max
		truncated = true
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, start, false, err
	}

	data, err := io.ReadAll(io.LimitReader(f, max+1))
	if err != nil {
		return nil, start, false, err
	}

	if max > 0 && int64(len(data)) > max {
		data = data[:max]
		truncated = true
	}

	nextOffset := start + int64(len(data))
	return data, nextOffset, truncated, nil
}
