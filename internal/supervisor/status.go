package supervisor

import (
	"encoding/json"
	"fmt"
)

// State is the supervisor's connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Error
)

var stateNames = map[State]string{
	Disconnected: "disconnected",
	Connecting:   "connecting",
	Connected:    "connected",
	Error:        "error",
}

var stateValues = map[string]State{
	"disconnected": Disconnected,
	"connecting":   Connecting,
	"connected":    Connected,
	"error":        Error,
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	v, ok := stateValues[name]
	if !ok {
		return fmt.Errorf("unknown connection state %q", name)
	}
	*s = v
	return nil
}

// Status is the connection status observers see. Err is only set in
// the Error state.
type Status struct {
	State State  `json:"state"`
	Err   string `json:"error,omitempty"`
}
