package ws

import (
	"encoding/json"
	"time"

	"github.com/tidwall/sjson"

	"github.com/agent-racer/opencode-bridge/internal/session"
	"github.com/agent-racer/opencode-bridge/internal/supervisor"
)

// Synthetic event types the relay adds to the opencode stream. They use
// the same {type, properties} shape as upstream events.
const (
	EventActivity  = "bridge.activity"
	EventHeartbeat = "bridge.heartbeat"
	EventStatus    = "bridge.status"
)

func newEvent(typ string) []byte {
	out, _ := sjson.SetBytes([]byte(`{}`), "type", typ)
	return out
}

func setProp(event []byte, key string, value any) []byte {
	out, err := sjson.SetBytes(event, "properties."+key, value)
	if err != nil {
		return event
	}
	return out
}

// ActivityEvent encodes a phase change as a bridge.activity event.
func ActivityEvent(c session.Change) []byte {
	ev := newEvent(EventActivity)
	ev = setProp(ev, "sessionID", c.SessionID)
	ev = setProp(ev, "phase", c.Phase.String())
	if !c.At.IsZero() {
		ev = setProp(ev, "at", c.At.UTC().Format(time.RFC3339Nano))
	}
	return ev
}

func HeartbeatEvent(id string, at time.Time) []byte {
	ev := newEvent(EventHeartbeat)
	ev = setProp(ev, "id", id)
	ev = setProp(ev, "at", at.UTC().Format(time.RFC3339Nano))
	return ev
}

func StatusEvent(st supervisor.Status) []byte {
	ev := newEvent(EventStatus)
	ev = setProp(ev, "state", st.State.String())
	if st.Err != "" {
		ev = setProp(ev, "error", st.Err)
	}
	return ev
}

// Wrap puts event into the {"directory", "payload"} envelope.
func Wrap(directory string, event []byte) ([]byte, error) {
	if !json.Valid(event) {
		return nil, errInvalidEvent
	}
	out, err := sjson.SetBytes([]byte(`{}`), "directory", directory)
	if err != nil {
		return nil, err
	}
	return sjson.SetRawBytes(out, "payload", event)
}
