// Package bridge exposes a supervised worker process as a small synchronous
// environment: Reset, Step, Pause, Unpause and Close.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sevir/envbridge/internal/retry"
	"github.com/sevir/envbridge/pkg/models"
)

const (
	defaultMaxRetries   = 3
	defaultRetryDelay   = 2 * time.Second
	defaultRestartDelay = time.Second
	closeTimeout        = 10 * time.Second
)

// Supervisor is the process lifecycle the bridge relies on. The bridge never
// touches the worker process directly.
type Supervisor interface {
	Run(ctx context.Context) error
	IsRunning() bool
	Stop() error
}

// Recorder receives the events of every successful step. Its result does not
// affect the step.
type Recorder interface {
	Record(result models.StepResult, task string) error
}

// Config holds bridge configuration.
type Config struct {
	Supervisor Supervisor
	Client     *Client
	// Defaults fill unset ResetOptions fields on every Reset (connection
	// target, wait ticks).
	Defaults models.ResetOptions
	// MaxRetries is the total number of start attempts per Reset.
	MaxRetries      int
	RetryDelay      time.Duration
	RetryMultiplier float64
	MaxRetryDelay   time.Duration
	// RestartDelay is the pause between stopping the old worker and starting
	// a new one.
	RestartDelay time.Duration
	Recorder     Recorder
}

// Bridge is the environment state machine. Operations are serialized; a
// Bridge is meant to be driven by a single caller.
type Bridge struct {
	mu sync.Mutex

	sup          Supervisor
	client       *Client
	defaults     models.ResetOptions
	policy       retry.Policy
	restartDelay time.Duration
	recorder     Recorder

	state models.BridgeState
	// held is set when the caller paused explicitly. A pause taken by the
	// bridge itself after a step is lifted by the next Step.
	held        bool
	lastOptions models.ResetOptions
	resets      int
	steps       int
}

// New creates a bridge in the Unconnected state.
func New(cfg Config) (*Bridge, error) {
	if cfg.Supervisor == nil {
		return nil, errors.New("supervisor is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("client is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	} else if cfg.RetryDelay == 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.RestartDelay < 0 {
		cfg.RestartDelay = 0
	} else if cfg.RestartDelay == 0 {
		cfg.RestartDelay = defaultRestartDelay
	}

	return &Bridge{
		sup:      cfg.Supervisor,
		client:   cfg.Client,
		defaults: cfg.Defaults.Clone(),
		policy: retry.Policy{
			MaxAttempts: cfg.MaxRetries,
			Delay:       cfg.RetryDelay,
			Multiplier:  cfg.RetryMultiplier,
			MaxDelay:    cfg.MaxRetryDelay,
		},
		restartDelay: cfg.RestartDelay,
		recorder:     cfg.Recorder,
		state:        models.BridgeUnconnected,
	}, nil
}

// State returns the current bridge state.
func (b *Bridge) State() models.BridgeState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is a snapshot of bridge counters.
type Stats struct {
	State       models.BridgeState  `json:"state"`
	Held        bool                `json:"held"`
	Resets      int                 `json:"resets"`
	Steps       int                 `json:"steps"`
	LastOptions models.ResetOptions `json:"last_options"`
	WorkerURL   string              `json:"worker_url"`
}

// Stats returns a snapshot of bridge counters.
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:       b.state,
		Held:        b.held,
		Resets:      b.resets,
		Steps:       b.steps,
		LastOptions: b.lastOptions.Clone(),
		WorkerURL:   b.client.BaseURL(),
	}
}

// LastOptions returns the options of the last successful reset. Callers that
// want later resets to preserve world state build on this with mode soft.
func (b *Bridge) LastOptions() models.ResetOptions {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastOptions.Clone()
}

// Reset (re)starts the worker and joins the session described by opts layered
// over the configured defaults. The worker is restarted from scratch; start
// failures are retried up to MaxRetries attempts.
func (b *Bridge) Reset(ctx context.Context, opts models.ResetOptions) (models.StepResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == models.BridgeClosed {
		return models.StepResult{}, newError("reset", ErrNotReady, b.state, nil)
	}

	opts = opts.WithDefaults(b.defaults)
	if err := opts.Validate(); err != nil {
		return models.StepResult{}, newError("reset", ErrInvalidOptions, b.state, err)
	}

	if b.state == models.BridgePaused {
		b.unpauseLocked(ctx)
	}

	b.state = models.BridgeResetting
	b.held = false
	b.sup.Stop()
	if err := retry.Sleep(ctx, b.restartDelay); err != nil {
		b.state = models.BridgeUnconnected
		return models.StepResult{}, newError("reset", ErrConnectionFailed, b.state, err)
	}

	var (
		result   models.StepResult
		attempts int
	)
	err := retry.Do(ctx, b.policy, func(attempt int) error {
		attempts = attempt
		logBridgeEvent("reset_attempt", "attempt=%d max=%d mode=%s host=%q port=%d", attempt, b.policy.MaxAttempts, opts.Mode, opts.Host, opts.Port)

		if !b.sup.IsRunning() {
			if err := b.sup.Run(ctx); err != nil {
				b.sup.Stop()
				return fmt.Errorf("failed to start worker: %w", err)
			}
		}

		res, err := b.client.Start(ctx, opts)
		if err != nil {
			b.sup.Stop()
			return err
		}
		result = res
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		logBridgeEvent("reset_retry", "attempt=%d delay=%s error=%q", attempt, delay, err.Error())
	})
	if err != nil {
		b.state = models.BridgeUnconnected
		e := newError("reset", ErrConnectionFailed, b.state, err)
		e.Attempt = attempts
		logBridgeEvent("reset_failed", "attempts=%d error=%q", attempts, err.Error())
		return models.StepResult{}, e
	}

	b.state = models.BridgeReady
	b.resets++
	b.lastOptions = opts
	logBridgeEvent("reset_ok", "attempts=%d mode=%s resets=%d", attempts, opts.Mode, b.resets)
	return result, nil
}

// Step submits one command. It is legal when the bridge is Ready or paused by
// its own previous step; an explicit Pause must be lifted with Unpause first.
// Exactly one exchange with the worker happens and failures are never
// retried. Afterwards the worker is paused again. If the worker refuses to
// unpause, no command is sent and Step returns StepFailed with the bridge
// still Paused.
func (b *Bridge) Step(ctx context.Context, req models.StepRequest) (models.StepResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.state == models.BridgeReady:
	case b.state == models.BridgePaused && !b.held:
	default:
		return models.StepResult{}, newError("step", ErrNotReady, b.state, nil)
	}

	if !b.sup.IsRunning() {
		b.state = models.BridgeUnconnected
		b.held = false
		return models.StepResult{}, newError("step", ErrConnectionFailed, b.state, ErrWorkerNotRunning)
	}

	if b.state == models.BridgePaused {
		if err := b.unpauseLocked(ctx); err != nil {
			return models.StepResult{}, newError("step", ErrStepFailed, b.state, fmt.Errorf("failed to unpause worker: %w", err))
		}
	}

	result, err := b.client.Step(ctx, req)
	b.steps++

	if !b.sup.IsRunning() {
		// The worker died during the exchange; only a reset can recover.
		b.state = models.BridgeUnconnected
		b.held = false
		if err == nil {
			err = ErrWorkerNotRunning
		}
		return models.StepResult{}, newError("step", ErrStepFailed, b.state, err)
	}

	b.pauseLocked(ctx)
	b.held = false

	if err != nil {
		logBridgeEvent("step_failed", "steps=%d task=%q error=%q", b.steps, req.Task, err.Error())
		return models.StepResult{}, newError("step", ErrStepFailed, b.state, err)
	}

	logBridgeEvent("step", "steps=%d task=%q code_len=%d", b.steps, req.Task, len(req.Code))

	if b.recorder != nil {
		if err := b.recorder.Record(result, req.Task); err != nil {
			log.Printf("Warning: failed to record step events: %v", err)
		}
	}
	return result, nil
}

// Pause asks the worker to stop advancing time. It is a no-op unless the
// bridge is Ready with a live worker. A worker refusal is logged, not
// returned.
func (b *Bridge) Pause(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case models.BridgeClosed:
		return newError("pause", ErrNotReady, b.state, nil)
	case models.BridgePaused:
		b.held = true
		return nil
	}

	if b.pauseLocked(ctx) {
		b.held = true
	}
	return nil
}

// Unpause resumes a paused worker. It is a no-op unless the bridge is Paused
// with a live worker. A worker refusal is logged, not returned.
func (b *Bridge) Unpause(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == models.BridgeClosed {
		return newError("unpause", ErrNotReady, b.state, nil)
	}
	b.unpauseLocked(ctx)
	return nil
}

// Close releases the worker. Every sub-step is best-effort and the bridge
// always ends Closed; Close never returns an error and may be called again.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == models.BridgeClosed {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	b.unpauseLocked(ctx)

	connected := b.state == models.BridgeReady || b.state == models.BridgePaused
	if connected && b.sup.IsRunning() {
		if err := b.client.Stop(ctx); err != nil {
			logBridgeEvent("stop_failed", "error=%q", err.Error())
		}
	}

	if err := b.sup.Stop(); err != nil {
		logBridgeEvent("supervisor_stop_failed", "error=%q", err.Error())
	}

	b.state = models.BridgeClosed
	b.held = false
	logBridgeEvent("closed", "resets=%d steps=%d", b.resets, b.steps)
	return nil
}

// pauseLocked sends a pause when the bridge is Ready and the worker alive.
// It reports whether the bridge is now Paused by this call.
func (b *Bridge) pauseLocked(ctx context.Context) bool {
	if b.state != models.BridgeReady || !b.sup.IsRunning() {
		return false
	}
	if err := b.client.Pause(ctx); err != nil {
		logBridgeEvent("pause_failed", "error=%q", err.Error())
		return false
	}
	b.state = models.BridgePaused
	return true
}

// unpauseLocked sends an unpause when the bridge is Paused and the worker
// alive. The worker's refusal is logged and returned.
func (b *Bridge) unpauseLocked(ctx context.Context) error {
	if b.state != models.BridgePaused || !b.sup.IsRunning() {
		return nil
	}
	if err := b.client.Unpause(ctx); err != nil {
		logBridgeEvent("unpause_failed", "error=%q", err.Error())
		return err
	}
	b.state = models.BridgeReady
	b.held = false
	return nil
}

func logBridgeEvent(event, format string, args ...interface{}) {
	log.Printf("bridge_event=%s "+format, append([]interface{}{event}, args...)...)
}
