package session

import (
	"encoding/json"
	"fmt"
)

// Phase is the debounced activity classification of one session.
type Phase int

const (
	Idle Phase = iota
	Busy
	Cooldown
)

var phaseNames = map[Phase]string{
	Idle:     "idle",
	Busy:     "busy",
	Cooldown: "cooldown",
}

var phaseFromName = map[string]Phase{
	"idle":     Idle,
	"busy":     Busy,
	"cooldown": Cooldown,
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "unknown"
}

func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Phase) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, ok := phaseFromName[s]
	if !ok {
		return fmt.Errorf("unknown phase %q", s)
	}
	*p = v
	return nil
}

// Activity is one (session, phase) tuple derived from a stream event.
type Activity struct {
	SessionID string `json:"sessionID"`
	Phase     Phase  `json:"phase"`
}
