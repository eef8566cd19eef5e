package actionlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Action type labels recorded by the relay hops.
const (
	TypeExecutionStart   = "command_execution_start"
	TypeExecutionSuccess = "command_execution_success"
	TypeExecutionError   = "command_execution_error"
	TypeRelayStart       = "relay_command_start"
	TypeRelaySuccess     = "relay_command_success"
	TypeRelayError       = "relay_command_error"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Action is one durable audit record. Extra holds caller-supplied
// extension fields, flattened to top-level keys in the persisted JSON.
type Action struct {
	Timestamp time.Time
	Type      string
	Command   string
	Status    string
	Reasoning string
	Prompt    string
	Output    string
	Error     string
	Context   map[string]interface{}
	Details   map[string]interface{}
	Extra     map[string]interface{}
}

type actionJSON struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"action_type"`
	Command   string                 `json:"command"`
	Status    string                 `json:"status"`
	Reasoning string                 `json:"reasoning,omitempty"`
	Prompt    string                 `json:"prompt,omitempty"`
	Output    string                 `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

var reservedKeys = map[string]bool{
	"timestamp": true, "action_type": true, "command": true, "status": true,
	"reasoning": true, "prompt": true, "output": true, "error": true,
	"context": true, "details": true,
}

// MarshalJSON flattens Extra into the top-level object alongside the
// fixed fields. Reserved keys in Extra are ignored.
func (a Action) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(actionJSON{
		Timestamp: a.Timestamp,
		Type:      a.Type,
		Command:   a.Command,
		Status:    a.Status,
		Reasoning: a.Reasoning,
		Prompt:    a.Prompt,
		Output:    a.Output,
		Error:     a.Error,
		Context:   a.Context,
		Details:   a.Details,
	})
	if err != nil {
		return nil, err
	}
	if len(a.Extra) == 0 {
		return base, nil
	}
	var merged map[string]interface{}
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for key, value := range a.Extra {
		if reservedKeys[key] {
			continue
		}
		merged[key] = value
	}
	return json.Marshal(merged)
}

// UnmarshalJSON collects unknown top-level keys into Extra.
func (a *Action) UnmarshalJSON(data []byte) error {
	var fixed actionJSON
	if err := json.Unmarshal(data, &fixed); err != nil {
		return err
	}
	a.Timestamp = fixed.Timestamp
	a.Type = fixed.Type
	a.Command = fixed.Command
	a.Status = fixed.Status
	a.Reasoning = fixed.Reasoning
	a.Prompt = fixed.Prompt
	a.Output = fixed.Output
	a.Error = fixed.Error
	a.Context = fixed.Context
	a.Details = fixed.Details

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.Extra = nil
	for key, value := range raw {
		if reservedKeys[key] {
			continue
		}
		if a.Extra == nil {
			a.Extra = make(map[string]interface{})
		}
		var decoded interface{}
		if err := json.Unmarshal(value, &decoded); err != nil {
			return err
		}
		a.Extra[key] = decoded
	}
	return nil
}

// Log is an append-only action store persisted as a single JSON document.
// Every Append rewrites the full document before returning, so a crash
// loses at most the in-flight action.
type Log struct {
	mu      sync.Mutex
	path    string
	actions []Action
}

// Open loads prior state from path. A missing or unparseable file is
// treated as an empty history, never as a fatal error.
func Open(path string) *Log {
	log := &Log{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		return log
	}
	var actions []Action
	if err := json.Unmarshal(data, &actions); err != nil {
		return log
	}
	log.actions = actions
	return log
}

// Append records one action and flushes the store to disk. A zero
// timestamp is stamped with the current time, clamped so timestamps
// never decrease within one log.
func (l *Log) Append(action Action) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if action.Timestamp.IsZero() {
		action.Timestamp = time.Now()
	}
	if n := len(l.actions); n > 0 && action.Timestamp.Before(l.actions[n-1].Timestamp) {
		action.Timestamp = l.actions[n-1].Timestamp
	}

	l.actions = append(l.actions, action)
	if err := l.flush(); err != nil {
		l.actions = l.actions[:len(l.actions)-1]
		return fmt.Errorf("flush action log: %w", err)
	}
	return nil
}

// Recent returns the last limit actions in append order.
func (l *Log) Recent(limit int) []Action {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 || limit > len(l.actions) {
		limit = len(l.actions)
	}
	out := make([]Action, limit)
	copy(out, l.actions[len(l.actions)-limit:])
	return out
}

// Clear irreversibly empties the store.
func (l *Log) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.actions = nil
	if err := l.flush(); err != nil {
		return fmt.Errorf("clear action log: %w", err)
	}
	return nil
}

// Len reports the number of recorded actions.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.actions)
}

// Path returns the backing file path.
func (l *Log) Path() string {
	return l.path
}

func (l *Log) flush() error {
	actions := l.actions
	if actions == nil {
		actions = []Action{}
	}
	data, err := json.MarshalIndent(actions, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(l.path, data, 0o644)
}
