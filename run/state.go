package run

import (
	"errors"
	"fmt"
)

// ErrUnknownState is returned when decoding a state name that is not
// in the state name table.
var ErrUnknownState = errors.New("unknown state")

// State is a pipeline state of either a Run or an App.
//
// States are persisted and reported by name (see MarshalText) and
// never by their numeric value. New states may be added or the
// constants reordered without invalidating stored runs.
type State int

const (
	NotStarted State = iota
	Downloading
	Processing
	Uploading
	PatchManagement
	PolicyCreation
	Completed
	Failed

	// Cancelled is reserved. No transition currently reaches it.
	Cancelled
)

var stateNames = map[State]string{
	NotStarted:      "not_started",
	Downloading:     "downloading",
	Processing:      "processing",
	Uploading:       "uploading",
	PatchManagement: "patch_management",
	PolicyCreation:  "policy_creation",
	Completed:       "completed",
	Failed:          "failed",
	Cancelled:       "cancelled",
}

var stateValues = func() map[string]State {
	m := make(map[string]State, len(stateNames))
	for s, n := range stateNames {
		m[n] = s
	}
	return m
}()

// ParseState returns the State for its stable name.
func ParseState(name string) (State, error) {
	s, ok := stateValues[name]
	if !ok {
		return NotStarted, fmt.Errorf("%w: %q", ErrUnknownState, name)
	}
	return s, nil
}

// String returns the stable name of s.
func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Valid reports whether s is in the state name table.
func (s State) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

// Terminal reports whether no further stage may touch s.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// MarshalText encodes s as its stable name.
func (s State) MarshalText() ([]byte, error) {
	n, ok := stateNames[s]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownState, int(s))
	}
	return []byte(n), nil
}

// UnmarshalText decodes a stable state name into s.
func (s *State) UnmarshalText(text []byte) error {
	v, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// pipelineOrder is the forward ordering of the non-terminal pipeline
// states and Completed. Failed and Cancelled are off-pipeline.
var pipelineOrder = map[State]int{
	NotStarted:      0,
	Downloading:     1,
	Processing:      2,
	Uploading:       3,
	PatchManagement: 4,
	PolicyCreation:  5,
	Completed:       6,
}

// canAdvance reports whether moving from "from" to "to" is a forward
// pipeline move (or a jump to Failed) from a non-terminal state.
func canAdvance(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == Failed {
		return true
	}
	f, ok1 := pipelineOrder[from]
	t, ok2 := pipelineOrder[to]
	return ok1 && ok2 && t > f
}

// Reached reports whether s is t or a pipeline state after t.
// Failed and Cancelled have not reached any pipeline state.
func (s State) Reached(t State) bool {
	f, ok1 := pipelineOrder[s]
	o, ok2 := pipelineOrder[t]
	return ok1 && ok2 && f >= o
}
