package session

import "github.com/tidwall/gjson"

// Derive maps one parsed stream event to an activity tuple. Rules are
// evaluated in order and the first match wins; ok is false when the
// event says nothing about session activity.
func Derive(event []byte) (act Activity, ok bool) {
	if !gjson.ValidBytes(event) {
		return Activity{}, false
	}
	props := gjson.GetBytes(event, "properties")

	switch gjson.GetBytes(event, "type").String() {
	case "session.status":
		status := str(props.Get("status.type"))
		id := str(props.Get("sessionID"))
		if status == "" || id == "" {
			return Activity{}, false
		}
		phase := Idle
		if status == "busy" || status == "retry" {
			phase = Busy
		}
		return Activity{SessionID: id, Phase: phase}, true

	case "message.updated", "message.part.updated", "message.part.delta":
		info := props.Get("info")
		id := str(info.Get("sessionID"))
		if id == "" {
			id = str(props.Get("sessionID"))
		}
		if id == "" {
			return Activity{}, false
		}
		if str(info.Get("role")) == "assistant" && str(info.Get("finish")) == "stop" {
			return Activity{SessionID: id, Phase: Cooldown}, true
		}
		return Activity{}, false

	case "session.idle":
		id := str(props.Get("sessionID"))
		if id == "" {
			return Activity{}, false
		}
		return Activity{SessionID: id, Phase: Idle}, true
	}
	return Activity{}, false
}

// str returns r's value only when it is a JSON string.
func str(r gjson.Result) string {
	if r.Type != gjson.String {
		return ""
	}
	return r.Str
}
