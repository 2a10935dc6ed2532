package supervisor

import "fmt"

// InstallDocsURL is where users are sent when the CLI cannot be found.
const InstallDocsURL = "https://opencode.ai/docs"

// ErrorKind classifies a failed Start.
type ErrorKind int

const (
	// SpawnFailed is any start failure without a more specific kind.
	SpawnFailed ErrorKind = iota
	BinaryNotFound
	SpawnTimeout
	HealthCheckFailed
)

var errorKindNames = map[ErrorKind]string{
	SpawnFailed:       "spawn_failed",
	BinaryNotFound:    "binary_not_found",
	SpawnTimeout:      "spawn_timeout",
	HealthCheckFailed: "health_check_failed",
}

func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// StartError is returned by Start and Restart. Use errors.As to inspect
// the Kind.
type StartError struct {
	Kind ErrorKind
	Err  error
}

func (e *StartError) Error() string {
	switch e.Kind {
	case BinaryNotFound:
		msg := "opencode CLI not found: install it from " + InstallDocsURL + " or set backend.binary"
		if e.Err != nil {
			msg += " (" + e.Err.Error() + ")"
		}
		return msg
	case SpawnTimeout:
		return "timed out waiting for opencode server to report its URL"
	case HealthCheckFailed:
		return "server started but health check failed"
	}
	if e.Err == nil {
		return "failed to start opencode server"
	}
	return "failed to start opencode server: " + e.Err.Error()
}

func (e *StartError) Unwrap() error { return e.Err }
