package license

import (
	"fmt"
	"strings"
)

// State is the evaluated trial state.
type State int

const (
	StateUninitialized State = iota
	StateActive
	StateExpired
	// StateTampered is absorbing. No operation leaves it.
	StateTampered
)

var stateNames = map[State]string{
	StateUninitialized: "uninitialized",
	StateActive:        "active",
	StateExpired:       "expired",
	StateTampered:      "tampered",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText encodes the state as its lowercase name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if strings.EqualFold(name, string(text)) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown trial state %q", text)
}
