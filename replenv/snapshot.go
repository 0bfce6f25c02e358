package replenv

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Snapshot serializes the user's bindings as JSON. Only values with a
// JSON rendering are kept; functions, builtins, and the seeded names
// (context, helpers, module stubs) are left out. The result feeds
// Restore on a fresh Env to resume a turn elsewhere.
func (e *Env) Snapshot() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.globals == nil {
		return nil, fmt.Errorf("snapshot: environment is not initialized")
	}
	state := make(map[string]any)
	for name, v := range e.globals {
		if e.baseNames[name] {
			continue
		}
		conv, ok := fromStarlark(v)
		if !ok {
			continue
		}
		state[name] = conv
	}
	return json.Marshal(state)
}

// Restore merges a Snapshot into the namespace. Setup must have run
// first so the helpers and context are in place; restored names win
// over existing user bindings of the same name.
func (e *Env) Restore(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var state map[string]any
	if err := dec.Decode(&state); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.globals == nil {
		return fmt.Errorf("restore: environment is not initialized")
	}
	for name, v := range state {
		if e.baseNames[name] {
			continue
		}
		conv, err := toStarlark(v)
		if err != nil {
			return fmt.Errorf("restore %q: %w", name, err)
		}
		e.globals[name] = conv
	}
	return nil
}
