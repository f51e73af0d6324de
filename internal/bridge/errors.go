package bridge

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sevir/envbridge/pkg/models"
)

// Error kinds. Every error returned by Bridge operations is an *Error whose
// Kind is one of these, so callers branch with errors.Is.
var (
	// ErrConnectionFailed means the worker could not be reached or started
	// within the reset retry budget, or was found dead before a step.
	ErrConnectionFailed = errors.New("connection failed")
	// ErrInvalidOptions means reset options were rejected before any worker
	// contact.
	ErrInvalidOptions = errors.New("invalid options")
	// ErrNotReady means the operation is illegal in the bridge's current state.
	ErrNotReady = errors.New("not ready")
	// ErrStepFailed means the single step exchange failed. The bridge stays
	// usable.
	ErrStepFailed = errors.New("step failed")
)

// ErrWorkerNotRunning is wrapped by step errors raised when the supervisor
// reports the worker dead.
var ErrWorkerNotRunning = errors.New("worker is not running")

// Error carries the context of a failed bridge operation.
type Error struct {
	Op      string
	Kind    error
	State   models.BridgeState
	Attempt int
	// StatusCode and Body hold the worker's reply when it answered with a
	// non-success status.
	StatusCode int
	Body       []byte
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())

	var details []string
	if e.Attempt > 0 {
		details = append(details, fmt.Sprintf("attempt %d", e.Attempt))
	}
	if e.State != "" {
		details = append(details, fmt.Sprintf("state %s", e.State))
	}
	if e.StatusCode != 0 {
		details = append(details, fmt.Sprintf("status %d", e.StatusCode))
	}
	if len(details) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(details, ", "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Kind returns the error kind of err, or nil if err is not a bridge error.
func Kind(err error) error {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return nil
}

func newError(op string, kind error, state models.BridgeState, err error) *Error {
	e := &Error{Op: op, Kind: kind, State: state, Err: err}
	var se *StatusError
	if errors.As(err, &se) {
		e.StatusCode = se.StatusCode
		e.Body = se.Body
	}
	return e
}
