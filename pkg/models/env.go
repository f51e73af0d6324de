// Package models defines the core domain types shared by the bridge, the
// supervisor and their HTTP surfaces.
package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// BridgeState represents the current state of an environment bridge.
type BridgeState string

const (
	BridgeUnconnected BridgeState = "unconnected"
	BridgeResetting   BridgeState = "resetting"
	BridgeReady       BridgeState = "ready"
	BridgePaused      BridgeState = "paused"
	BridgeClosed      BridgeState = "closed"
)

// WorkerState represents the lifecycle state of a supervised worker process.
type WorkerState string

const (
	WorkerNotStarted WorkerState = "not_started"
	WorkerStarting   WorkerState = "starting"
	WorkerRunning    WorkerState = "running"
	WorkerStopped    WorkerState = "stopped"
	WorkerCrashed    WorkerState = "crashed"
)

// ResetMode selects how much world state the worker reinitializes.
type ResetMode string

const (
	// ResetHard reinitializes all world and inventory state.
	ResetHard ResetMode = "hard"
	// ResetSoft keeps existing state and only re-synchronizes the session.
	ResetSoft ResetMode = "soft"
)

// DefaultWaitTicks is used when neither the caller nor the bridge
// configuration provides a stabilization wait.
const DefaultWaitTicks = 5

// Position is a spawn position in world coordinates.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// ResetOptions is the payload sent to the worker on reset. Values are
// treated as immutable: WithDefaults and Clone return copies.
type ResetOptions struct {
	Host      string         `json:"host"`
	Port      int            `json:"port"`
	Mode      ResetMode      `json:"reset"`
	Inventory map[string]int `json:"inventory"`
	Equipment []string       `json:"equipment"`
	Spread    bool           `json:"spread"`
	WaitTicks int            `json:"waitTicks"`
	Position  *Position      `json:"position"`
}

// ErrInventoryRequiresHard is returned by Validate when an inventory is
// supplied for a soft reset.
var ErrInventoryRequiresHard = errors.New("inventory can only be set when mode is hard")

// Validate checks option combinations that the worker cannot honor.
func (o ResetOptions) Validate() error {
	switch o.Mode {
	case "", ResetHard, ResetSoft:
	default:
		return fmt.Errorf("invalid reset mode: %q (valid: hard, soft)", o.Mode)
	}
	if o.Mode == ResetSoft && len(o.Inventory) > 0 {
		return ErrInventoryRequiresHard
	}
	for item, count := range o.Inventory {
		if count < 0 {
			return fmt.Errorf("invalid inventory count for %s: %d", item, count)
		}
	}
	if o.Port < 0 || o.Port > 65535 {
		return fmt.Errorf("invalid port: %d", o.Port)
	}
	if o.WaitTicks < 0 {
		return fmt.Errorf("invalid wait ticks: %d", o.WaitTicks)
	}
	return nil
}

// WithDefaults layers o over defaults: any zero field in o takes the value
// from defaults. Mode falls back to hard and WaitTicks to DefaultWaitTicks
// when neither side sets them.
func (o ResetOptions) WithDefaults(defaults ResetOptions) ResetOptions {
	out := o.Clone()
	if out.Host == "" {
		out.Host = defaults.Host
	}
	if out.Port == 0 {
		out.Port = defaults.Port
	}
	if out.Mode == "" {
		out.Mode = defaults.Mode
	}
	if out.Mode == "" {
		out.Mode = ResetHard
	}
	if out.WaitTicks == 0 {
		out.WaitTicks = defaults.WaitTicks
	}
	if out.WaitTicks == 0 {
		out.WaitTicks = DefaultWaitTicks
	}
	if out.Inventory == nil {
		out.Inventory = map[string]int{}
	}
	if out.Equipment == nil {
		out.Equipment = []string{}
	}
	return out
}

// Clone returns a deep copy.
func (o ResetOptions) Clone() ResetOptions {
	out := o
	if o.Inventory != nil {
		out.Inventory = make(map[string]int, len(o.Inventory))
		for k, v := range o.Inventory {
			out.Inventory[k] = v
		}
	}
	if o.Equipment != nil {
		out.Equipment = append([]string(nil), o.Equipment...)
	}
	if o.Position != nil {
		p := *o.Position
		out.Position = &p
	}
	return out
}

// StepRequest is a command submitted to the worker.
type StepRequest struct {
	Code     string `json:"code"`
	Programs string `json:"programs"`
	// Task labels the step for the event recorder; it is not sent to the worker.
	Task string `json:"-"`
}

// StepResult is the ordered event sequence returned by the worker. The bridge
// keeps it as raw JSON; Events decodes the conventional [[type, payload], ...]
// shape on demand.
type StepResult struct {
	Raw json.RawMessage
}

// ParseStepResult validates body as JSON and returns it as a StepResult.
// Workers that double-encode (a JSON string holding the JSON document) are
// unwrapped.
func ParseStepResult(body []byte) (StepResult, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return StepResult{}, errors.New("empty step result")
	}
	if body[0] == '"' {
		var inner string
		if err := json.Unmarshal(body, &inner); err != nil {
			return StepResult{}, fmt.Errorf("failed to decode step result: %w", err)
		}
		body = bytes.TrimSpace([]byte(inner))
	}
	if !json.Valid(body) {
		return StepResult{}, errors.New("step result is not valid JSON")
	}
	return StepResult{Raw: json.RawMessage(append([]byte(nil), body...))}, nil
}

// MarshalJSON implements json.Marshaler.
func (r StepResult) MarshalJSON() ([]byte, error) {
	if len(r.Raw) == 0 {
		return []byte("null"), nil
	}
	return r.Raw, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *StepResult) UnmarshalJSON(b []byte) error {
	r.Raw = append(r.Raw[:0], b...)
	return nil
}

// IsZero reports whether the result carries no data.
func (r StepResult) IsZero() bool {
	return len(r.Raw) == 0 || string(r.Raw) == "null"
}

// Events decodes the result as a list of [type, payload] pairs.
func (r StepResult) Events() ([]Event, error) {
	if r.IsZero() {
		return nil, nil
	}
	var events []Event
	if err := json.Unmarshal(r.Raw, &events); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}
	return events, nil
}

// Last returns the final event, which by convention carries the latest
// observation.
func (r StepResult) Last() (Event, bool) {
	events, err := r.Events()
	if err != nil || len(events) == 0 {
		return Event{}, false
	}
	return events[len(events)-1], true
}

// Event is one timestamped worker event, encoded on the wire as a
// two-element array.
type Event struct {
	Type    string
	Payload json.RawMessage
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return json.Marshal([]interface{}{e.Type, payload})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Event) UnmarshalJSON(b []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("event must have 2 elements, got %d", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.Type); err != nil {
		return fmt.Errorf("invalid event type: %w", err)
	}
	e.Payload = pair[1]
	return nil
}

// Duration is a wrapper around time.Duration for JSON and YAML marshaling.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) < 2 {
		return nil
	}
	// Remove quotes
	s := string(b[1 : len(b)-1])
	if s == "" {
		*d = 0
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
