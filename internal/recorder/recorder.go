// Package recorder persists the events of every environment step.
package recorder

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sevir/envbridge/pkg/models"
)

const saveInterval = 5 * time.Second

// Entry is one recorded step.
type Entry struct {
	Iteration  int             `json:"iteration"`
	Task       string          `json:"task,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
	Events     json.RawMessage `json:"events"`
}

// ListFilter defines criteria for listing entries.
type ListFilter struct {
	Task   string
	Limit  int
	Offset int
}

type history struct {
	SessionID  string         `json:"session_id"`
	StartedAt  time.Time      `json:"started_at"`
	Iteration  int            `json:"iteration"`
	TaskCounts map[string]int `json:"task_counts"`
	Entries    []Entry        `json:"entries"`
}

// FileRecorder keeps the step history in memory and writes it to a JSON file
// in the background.
type FileRecorder struct {
	path      string
	data      history
	mu        sync.RWMutex
	version   int
	saved     int
	closeErr  error
	closeOnce sync.Once
	closeCh   chan struct{}
	doneCh    chan struct{}
}

// NewFileRecorder opens the history at path. With resume set, an existing
// file is loaded and its iteration counter continues; otherwise a new
// session starts and the file is overwritten on the next save.
func NewFileRecorder(path string, resume bool) (*FileRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create recorder directory: %w", err)
	}

	r := &FileRecorder{
		path:    path,
		data:    newHistory(),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	if resume {
		if err := r.load(); err != nil {
			return nil, err
		}
	}

	go r.backgroundSaver()

	return r, nil
}

func newHistory() history {
	return history{
		SessionID:  uuid.New().String(),
		StartedAt:  time.Now(),
		TaskCounts: make(map[string]int),
		Entries:    []Entry{},
	}
}

func (r *FileRecorder) load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read recorder file: %w", err)
	}

	if len(data) == 0 {
		return nil
	}

	var h history
	if err := json.Unmarshal(data, &h); err != nil {
		return fmt.Errorf("failed to parse recorder file: %w", err)
	}
	if h.TaskCounts == nil {
		h.TaskCounts = make(map[string]int)
	}
	if h.Entries == nil {
		h.Entries = []Entry{}
	}

	r.data = h
	r.saved = r.version
	return nil
}

// save writes the current history. Changes recorded while it runs stay
// pending for the next save.
func (r *FileRecorder) save() error {
	r.mu.RLock()
	data, err := json.MarshalIndent(r.data, "", "  ")
	version := r.version
	r.mu.RUnlock()

	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	tmpPath := r.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, r.path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	r.mu.Lock()
	if version > r.saved {
		r.saved = version
	}
	r.mu.Unlock()
	return nil
}

func (r *FileRecorder) dirty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version != r.saved
}

func (r *FileRecorder) backgroundSaver() {
	defer close(r.doneCh)

	ticker := time.NewTicker(saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if r.dirty() {
				if err := r.save(); err != nil {
					log.Printf("Warning: failed to save event history: %v", err)
				}
			}
		case <-r.closeCh:
			r.closeErr = r.save()
			return
		}
	}
}

// Record appends the events of one step and bumps the iteration counter and
// the task's count.
func (r *FileRecorder) Record(result models.StepResult, task string) error {
	events := result.Raw
	if len(events) == 0 {
		events = json.RawMessage("[]")
	} else if _, err := result.Events(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.data.Iteration++
	if task != "" {
		r.data.TaskCounts[task]++
	}
	r.data.Entries = append(r.data.Entries, Entry{
		Iteration:  r.data.Iteration,
		Task:       task,
		RecordedAt: time.Now(),
		Events:     append(json.RawMessage(nil), events...),
	})
	r.version++

	return nil
}

// SessionID identifies the recording session.
func (r *FileRecorder) SessionID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.data.SessionID
}

// Iteration returns the number of recorded steps.
func (r *FileRecorder) Iteration() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.data.Iteration
}

// TaskCount returns how many steps were recorded for task.
func (r *FileRecorder) TaskCount(task string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.data.TaskCounts[task]
}

// TaskCounts returns a copy of the per-task counters.
func (r *FileRecorder) TaskCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int, len(r.data.TaskCounts))
	for k, v := range r.data.TaskCounts {
		counts[k] = v
	}
	return counts
}

// List returns recorded entries matching the filter, newest first.
func (r *FileRecorder) List(filter ListFilter) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := []Entry{}
	for i := len(r.data.Entries) - 1; i >= 0; i-- {
		e := r.data.Entries[i]
		if filter.Task != "" && e.Task != filter.Task {
			continue
		}
		result = append(result, e)
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []Entry{}
		}
		result = result[filter.Offset:]
	}

	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}

	return result
}

// Close stops the background saver and performs a final save, returning its
// error.
func (r *FileRecorder) Close() error {
	r.closeOnce.Do(func() { close(r.closeCh) })
	<-r.doneCh
	return r.closeErr
}

// Reload reloads the history from disk.
func (r *FileRecorder) Reload() error {
	return r.load()
}

// ForceSave immediately persists the history to disk.
func (r *FileRecorder) ForceSave() error {
	return r.save()
}

// Path returns the history file path.
func (r *FileRecorder) Path() string {
	return r.path
}
