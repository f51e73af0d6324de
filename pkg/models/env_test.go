package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestResetOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    ResetOptions
		wantErr bool
	}{
		{"empty", ResetOptions{}, false},
		{"hard with inventory", ResetOptions{Mode: ResetHard, Inventory: map[string]int{"oak_log": 3}}, false},
		{"soft empty inventory", ResetOptions{Mode: ResetSoft, Inventory: map[string]int{}}, false},
		{"soft with inventory", ResetOptions{Mode: ResetSoft, Inventory: map[string]int{"oak_log": 3}}, true},
		{"unknown mode", ResetOptions{Mode: "medium"}, true},
		{"negative count", ResetOptions{Inventory: map[string]int{"stone": -1}}, true},
		{"bad port", ResetOptions{Port: 70000}, true},
		{"negative wait ticks", ResetOptions{WaitTicks: -2}, true},
	}

	for _, tt := range tests {
		err := tt.opts.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: expected error=%v, got %v", tt.name, tt.wantErr, err)
		}
	}

	err := ResetOptions{Mode: ResetSoft, Inventory: map[string]int{"dirt": 1}}.Validate()
	if !errors.Is(err, ErrInventoryRequiresHard) {
		t.Errorf("Expected ErrInventoryRequiresHard, got %v", err)
	}
}

func TestResetOptionsWithDefaults(t *testing.T) {
	defaults := ResetOptions{Host: "mc.local", Port: 25565, WaitTicks: 20}

	got := ResetOptions{Mode: ResetSoft}.WithDefaults(defaults)
	if got.Host != "mc.local" || got.Port != 25565 {
		t.Errorf("Expected connection target from defaults, got %s:%d", got.Host, got.Port)
	}
	if got.Mode != ResetSoft {
		t.Errorf("Expected caller mode to win, got %s", got.Mode)
	}
	if got.WaitTicks != 20 {
		t.Errorf("Expected wait ticks 20, got %d", got.WaitTicks)
	}
	if got.Inventory == nil || got.Equipment == nil {
		t.Error("Expected inventory and equipment to be non-nil")
	}

	got = ResetOptions{}.WithDefaults(ResetOptions{})
	if got.Mode != ResetHard {
		t.Errorf("Expected hard mode fallback, got %s", got.Mode)
	}
	if got.WaitTicks != DefaultWaitTicks {
		t.Errorf("Expected %d wait ticks, got %d", DefaultWaitTicks, got.WaitTicks)
	}
}

func TestResetOptionsCloneIsDeep(t *testing.T) {
	orig := ResetOptions{
		Inventory: map[string]int{"stone": 1},
		Equipment: []string{"iron_helmet"},
		Position:  &Position{X: 1, Y: 64, Z: 2},
	}
	c := orig.Clone()
	c.Inventory["stone"] = 9
	c.Equipment[0] = "diamond_helmet"
	c.Position.Y = 0

	if orig.Inventory["stone"] != 1 || orig.Equipment[0] != "iron_helmet" || orig.Position.Y != 64 {
		t.Errorf("Expected original to be untouched, got %+v", orig)
	}
}

func TestResetOptionsWireNames(t *testing.T) {
	data, err := json.Marshal(ResetOptions{Mode: ResetHard, WaitTicks: 5})
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	for _, key := range []string{"host", "port", "reset", "inventory", "equipment", "spread", "waitTicks", "position"} {
		if _, ok := m[key]; !ok {
			t.Errorf("Expected key %q in %s", key, data)
		}
	}
}

func TestParseStepResult(t *testing.T) {
	doc := `[["onChat",{"onChat":"hi"}],["observe",{"inventory":{"dirt":2}}]]`

	direct, err := ParseStepResult([]byte(doc))
	if err != nil {
		t.Fatalf("Failed to parse direct result: %v", err)
	}

	wrapped, _ := json.Marshal(doc)
	unwrapped, err := ParseStepResult(wrapped)
	if err != nil {
		t.Fatalf("Failed to parse double-encoded result: %v", err)
	}
	if string(direct.Raw) != string(unwrapped.Raw) {
		t.Errorf("Expected %s, got %s", direct.Raw, unwrapped.Raw)
	}

	events, err := direct.Events()
	if err != nil {
		t.Fatalf("Failed to decode events: %v", err)
	}
	if len(events) != 2 || events[0].Type != "onChat" {
		t.Fatalf("Unexpected events: %+v", events)
	}

	last, ok := direct.Last()
	if !ok || last.Type != "observe" {
		t.Errorf("Expected last event observe, got %+v", last)
	}

	if _, err := ParseStepResult([]byte("not json")); err == nil {
		t.Error("Expected error for invalid JSON")
	}
	if _, err := ParseStepResult(nil); err == nil {
		t.Error("Expected error for empty body")
	}
}

func TestEventMarshalJSON(t *testing.T) {
	e := Event{Type: "observe", Payload: json.RawMessage(`{"x":1}`)}
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	if string(data) != `["observe",{"x":1}]` {
		t.Errorf("Unexpected encoding: %s", data)
	}

	var bad Event
	if err := json.Unmarshal([]byte(`["only-type"]`), &bad); err == nil {
		t.Error("Expected error for single-element event")
	}
}

func TestDurationMarshalJSON(t *testing.T) {
	d := Duration(5 * time.Minute)

	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}

	expected := `"5m0s"`
	if string(data) != expected {
		t.Errorf("Expected %s, got %s", expected, string(data))
	}
}

func TestDurationUnmarshalJSON(t *testing.T) {
	tests := []struct {
		input    string
		expected Duration
	}{
		{`"5m"`, Duration(5 * time.Minute)},
		{`"1h30m"`, Duration(90 * time.Minute)},
		{`"30s"`, Duration(30 * time.Second)},
		{`""`, Duration(0)},
	}

	for _, tt := range tests {
		var d Duration
		if err := json.Unmarshal([]byte(tt.input), &d); err != nil {
			t.Errorf("Failed to unmarshal %s: %v", tt.input, err)
			continue
		}
		if d != tt.expected {
			t.Errorf("For %s: expected %v, got %v", tt.input, tt.expected, d)
		}
	}
}
