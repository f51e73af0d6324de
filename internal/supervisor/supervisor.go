// Package supervisor starts, health-checks and stops a long-running worker
// process.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sevir/envbridge/pkg/models"
)

const (
	defaultLogDir         = ".envbridge/logs"
	defaultStartupTimeout = 30 * time.Second
	defaultStopGrace      = 5 * time.Second
	readyTailLines        = 20
	maxMatchLine          = 64 * 1024
)

// ErrStartupTimeout is returned by Run when the worker never prints its
// readiness line within the startup window.
var ErrStartupTimeout = errors.New("worker startup timeout")

// ErrExitedBeforeReady is returned by Run when the worker exits while the
// supervisor is still waiting for the readiness line.
var ErrExitedBeforeReady = errors.New("worker exited before ready")

// Config describes how to launch the worker.
type Config struct {
	Name           string
	Command        string
	Args           []string
	WorkDir        string
	Env            []string
	LogDir         string
	ReadyPattern   string
	StartupTimeout time.Duration
	StopGrace      time.Duration
}

// Supervisor owns the worker's OS process. It never restarts the worker on
// its own; callers observe IsRunning and call Run again.
type Supervisor struct {
	cfg   Config
	ready *regexp.Regexp

	mu     sync.Mutex
	state  models.WorkerState
	proc   *process
	runs   int
	status Status
}

// process is one launched instance of the worker. A new one is created on
// every Run.
type process struct {
	cmd           *exec.Cmd
	logFile       *os.File
	logPath       string
	pipe          *io.PipeWriter
	readyCh       chan []string
	done          chan struct{}
	stopRequested bool
	exitErr       error
	tail          []string
}

// Status is a snapshot of the supervised worker.
type Status struct {
	Name      string             `json:"name"`
	State     models.WorkerState `json:"state"`
	PID       int                `json:"pid,omitempty"`
	LogFile   string             `json:"log_file,omitempty"`
	ReadyLine string             `json:"ready_line,omitempty"`
	Port      string             `json:"port,omitempty"`
	StartedAt *time.Time         `json:"started_at,omitempty"`
	ExitedAt  *time.Time         `json:"exited_at,omitempty"`
	ExitCode  *int               `json:"exit_code,omitempty"`
	Error     string             `json:"error,omitempty"`
	Runs      int                `json:"runs"`
}

// New creates a supervisor. The ready pattern is compiled up front so a bad
// expression fails at construction rather than on first Run.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Command == "" {
		return nil, errors.New("worker command is required")
	}
	if cfg.ReadyPattern == "" {
		return nil, errors.New("ready pattern is required")
	}
	ready, err := regexp.Compile(cfg.ReadyPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid ready pattern: %w", err)
	}
	if cfg.Name == "" {
		cfg.Name = filepath.Base(cfg.Command)
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = defaultStartupTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	if cfg.LogDir == "" {
		home, _ := os.UserHomeDir()
		cfg.LogDir = filepath.Join(home, defaultLogDir)
	}
	// Ensure LogDir is absolute so Status.LogFile is a full path.
	if abs, err := filepath.Abs(cfg.LogDir); err == nil {
		cfg.LogDir = abs
	}
	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return &Supervisor{
		cfg:    cfg,
		ready:  ready,
		state:  models.WorkerNotStarted,
		status: Status{Name: cfg.Name, State: models.WorkerNotStarted},
	}, nil
}

// Run launches the worker and blocks until it prints a line matching the
// ready pattern. It is a no-op when the worker is already running.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.state == models.WorkerRunning && s.proc != nil && !s.proc.exited() {
		s.mu.Unlock()
		return nil
	}
	if s.state == models.WorkerStarting {
		s.mu.Unlock()
		return errors.New("worker is already starting")
	}
	s.runs++
	s.state = models.WorkerStarting
	s.status.State = models.WorkerStarting
	s.status.Runs = s.runs
	s.mu.Unlock()

	proc, err := s.start()
	if err != nil {
		s.setFailed(err)
		return err
	}

	timer := time.NewTimer(s.cfg.StartupTimeout)
	defer timer.Stop()

	select {
	case match := <-proc.readyCh:
		s.mu.Lock()
		if proc.exited() {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrExitedBeforeReady, s.cfg.Name)
		}
		s.state = models.WorkerRunning
		s.status.State = models.WorkerRunning
		s.status.ReadyLine = match[0]
		if len(match) > 1 {
			s.status.Port = match[1]
		}
		s.mu.Unlock()
		log.Printf("worker_event=ready name=%s pid=%d ready_line=%q", s.cfg.Name, proc.cmd.Process.Pid, match[0])
		return nil

	case <-proc.done:
		return fmt.Errorf("%w: %s: %v (last output: %q)", ErrExitedBeforeReady, s.cfg.Name, proc.exitErr, proc.lastLine())

	case <-timer.C:
		s.kill(proc)
		s.setFailed(ErrStartupTimeout)
		return fmt.Errorf("%w: %s produced no line matching %q within %s", ErrStartupTimeout, s.cfg.Name, s.cfg.ReadyPattern, s.cfg.StartupTimeout)

	case <-ctx.Done():
		s.kill(proc)
		s.setFailed(ctx.Err())
		return ctx.Err()
	}
}

func (s *Supervisor) start() (*process, error) {
	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.WorkDir
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.WaitDelay = s.cfg.StopGrace

	logPath := filepath.Join(s.cfg.LogDir, fmt.Sprintf("%s-%s-%s.log", s.cfg.Name, time.Now().Format("20060102-150405"), uuid.New().String()[:8]))
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	pr, pw := io.Pipe()
	// Same comparable writer for both streams: exec serializes the writes,
	// giving one combined output stream.
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		logFile.Close()
		pw.Close()
		return nil, fmt.Errorf("failed to start %s: %w", s.cfg.Name, err)
	}

	proc := &process{
		cmd:     cmd,
		logFile: logFile,
		logPath: logPath,
		pipe:    pw,
		readyCh: make(chan []string, 1),
		done:    make(chan struct{}),
	}

	now := time.Now()
	s.mu.Lock()
	s.proc = proc
	s.status.PID = cmd.Process.Pid
	s.status.LogFile = logPath
	s.status.StartedAt = &now
	s.status.ExitedAt = nil
	s.status.ExitCode = nil
	s.status.ReadyLine = ""
	s.status.Port = ""
	s.status.Error = ""
	s.mu.Unlock()

	log.Printf(
		"worker_event=started name=%s pid=%d log_file=%q work_dir=%q command=%q args=%q",
		s.cfg.Name,
		cmd.Process.Pid,
		logPath,
		s.cfg.WorkDir,
		s.cfg.Command,
		s.cfg.Args,
	)

	captured := make(chan struct{})
	go s.captureOutput(proc, pr, captured)
	go s.waitForExit(proc, captured)

	return proc, nil
}

func (s *Supervisor) captureOutput(proc *process, r io.Reader, captured chan<- struct{}) {
	defer close(captured)

	reader := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	signalled := false

	for {
		chunk, isPrefix, err := reader.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("worker_event=output_error name=%s error=%q", s.cfg.Name, err.Error())
			}
			break
		}

		// Every byte goes to the log file; only the first maxMatchLine bytes
		// of a line are kept for the tail and the ready pattern.
		proc.logFile.Write(chunk)
		if room := maxMatchLine - len(line); room > 0 {
			if len(chunk) > room {
				chunk = chunk[:room]
			}
			line = append(line, chunk...)
		}
		if isPrefix {
			continue
		}
		proc.logFile.Write([]byte{'\n'})

		text := string(line)
		line = line[:0]

		s.mu.Lock()
		proc.tail = append(proc.tail, text)
		if len(proc.tail) > readyTailLines {
			proc.tail = proc.tail[len(proc.tail)-readyTailLines:]
		}
		s.mu.Unlock()

		if !signalled {
			if match := s.ready.FindStringSubmatch(text); match != nil {
				signalled = true
				proc.readyCh <- match
			}
		}
	}
	// Drain anything left so the writer side never blocks.
	io.Copy(io.Discard, r)
}

func (s *Supervisor) waitForExit(proc *process, captured <-chan struct{}) {
	err := proc.cmd.Wait()
	proc.pipe.Close()
	<-captured
	proc.logFile.Close()

	now := time.Now()
	s.mu.Lock()
	proc.exitErr = err
	explicitStop := proc.stopRequested
	current := s.proc == proc
	if current {
		s.status.ExitedAt = &now
		if proc.cmd.ProcessState != nil {
			code := proc.cmd.ProcessState.ExitCode()
			s.status.ExitCode = &code
		}
		if explicitStop {
			s.state = models.WorkerStopped
		} else {
			s.state = models.WorkerCrashed
			if err != nil {
				s.status.Error = err.Error()
			} else {
				s.status.Error = "worker exited unexpectedly"
			}
		}
		s.status.State = s.state
	}
	// Closed under the lock so Run never marks an exited process as running.
	close(proc.done)
	s.mu.Unlock()

	exitCode := ""
	if proc.cmd.ProcessState != nil {
		exitCode = fmt.Sprintf("%d", proc.cmd.ProcessState.ExitCode())
	}
	log.Printf(
		"worker_event=exited name=%s pid=%d exit_code=%s explicit_stop=%t error=%q log_file=%q",
		s.cfg.Name,
		proc.cmd.Process.Pid,
		exitCode,
		explicitStop,
		errString(err),
		proc.logPath,
	)
}

// IsRunning reports whether the worker finished starting and its process has
// not exited. Exit is observed by the goroutine blocked in cmd.Wait, so the
// answer tracks the real process.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == models.WorkerRunning && s.proc != nil && !s.proc.exited()
}

// State returns the current lifecycle state.
func (s *Supervisor) State() models.WorkerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot of the worker.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.State = s.state
	return st
}

// Runs returns how many times Run launched a process.
func (s *Supervisor) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

// Done returns a channel closed when the current process exits. It returns
// nil when no process was ever started.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return nil
	}
	return s.proc.done
}

// LogFile returns the log path of the most recent process.
func (s *Supervisor) LogFile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.LogFile
}

// Stop terminates the worker: SIGTERM, then SIGKILL after the grace period.
// The state is Stopped afterwards whether or not a process was alive.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	proc := s.proc
	if proc == nil || proc.exited() {
		if s.state != models.WorkerStopped {
			s.state = models.WorkerStopped
			s.status.State = models.WorkerStopped
		}
		s.mu.Unlock()
		return nil
	}
	proc.stopRequested = true
	s.mu.Unlock()

	s.kill(proc)

	s.mu.Lock()
	if s.proc == proc {
		s.state = models.WorkerStopped
		s.status.State = models.WorkerStopped
	}
	s.mu.Unlock()

	log.Printf("worker_event=stopped name=%s pid=%d", s.cfg.Name, proc.cmd.Process.Pid)
	return nil
}

// kill sends SIGTERM, waits for the grace period, then force kills and waits
// for the exit watcher.
func (s *Supervisor) kill(proc *process) {
	s.mu.Lock()
	proc.stopRequested = true
	s.mu.Unlock()

	if proc.cmd.Process == nil {
		return
	}
	proc.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-proc.done:
		// Process exited gracefully
		return
	case <-time.After(s.cfg.StopGrace):
		proc.cmd.Process.Kill()
	}

	// WaitDelay bounds how long Wait lingers on inherited pipes.
	select {
	case <-proc.done:
	case <-time.After(s.cfg.StopGrace + time.Second):
		log.Printf("worker_event=stop_stalled name=%s pid=%d", s.cfg.Name, proc.cmd.Process.Pid)
	}
}

func (s *Supervisor) setFailed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = models.WorkerStopped
	s.status.State = models.WorkerStopped
	s.status.Error = errString(err)
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *process) lastLine() string {
	if len(p.tail) == 0 {
		return ""
	}
	return p.tail[len(p.tail)-1]
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
