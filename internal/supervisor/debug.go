package supervisor

import (
	"time"

	"github.com/agent-racer/opencode-bridge/internal/binary"
)

// DebugInfo is a read-only diagnostic snapshot of the supervisor.
type DebugInfo struct {
	InstanceID string `json:"instanceId"`
	Mode       string `json:"mode"`
	Status     State  `json:"status"`
	Error      string `json:"error,omitempty"`
	Workdir    string `json:"workdir,omitempty"`

	BinaryAvailable bool          `json:"binaryAvailable"`
	BinaryPath      string        `json:"binaryPath,omitempty"`
	BinarySource    binary.Source `json:"binarySource,omitempty"`

	ConfiguredPort int    `json:"configuredPort,omitempty"`
	DetectedPort   int    `json:"detectedPort,omitempty"`
	ServerURL      string `json:"serverUrl,omitempty"`
	Version        string `json:"version,omitempty"`

	StartCount      int       `json:"startCount"`
	RestartCount    int       `json:"restartCount"`
	LastStartAt     time.Time `json:"lastStartAt,omitzero"`
	LastConnectedAt time.Time `json:"lastConnectedAt,omitzero"`
	LastExitCode    *int      `json:"lastExitCode,omitempty"`

	ReadinessElapsed  time.Duration `json:"readinessElapsed"`
	ReadinessAttempts int           `json:"readinessAttempts"`

	Secure         bool           `json:"secure"`
	PasswordSource PasswordSource `json:"passwordSource,omitempty"`
}

const (
	ModeManaged  = "managed"
	ModeExternal = "external"
)

func (s *Supervisor) DebugInfo() DebugInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := DebugInfo{
		InstanceID:        s.instanceID,
		Mode:              ModeManaged,
		Status:            s.status.State,
		Error:             s.status.Err,
		Workdir:           s.workdir,
		BinaryAvailable:   s.binaryFound,
		BinaryPath:        s.binary.Path,
		BinarySource:      s.binary.Source,
		StartCount:        s.startCount,
		RestartCount:      s.restartCount,
		LastStartAt:       s.lastStartAt,
		LastConnectedAt:   s.lastConnectedAt,
		ReadinessElapsed:  s.readiness.Elapsed,
		ReadinessAttempts: s.readiness.Attempts,
		Secure:            s.creds.password != "",
		PasswordSource:    s.creds.source,
	}
	if s.lastExitCode != nil {
		code := *s.lastExitCode
		info.LastExitCode = &code
	}
	if s.external != "" {
		info.Mode = ModeExternal
		info.ServerURL = s.external
		info.DetectedPort = portOf(s.external)
	}
	if s.server != nil {
		info.ConfiguredPort = s.server.port
		info.DetectedPort = s.server.detectedPort
		info.ServerURL = s.server.baseURL
		info.Version = s.server.version
	}
	return info
}
