package events

import (
	"sync"
	"time"
)

// Health is a point-in-time view of the stream connection.
type Health struct {
	Connected           bool      `json:"connected"`
	Connects            int       `json:"connects"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	Attempt             int       `json:"attempt"`
	Events              int64     `json:"events"`
	LastError           string    `json:"lastError,omitempty"`
	LastFailureAt       time.Time `json:"lastFailureAt,omitzero"`
	LastConnectedAt     time.Time `json:"lastConnectedAt,omitzero"`
}

// streamHealth tracks connection outcomes. The watcher goroutine writes
// it while the relay's status handler reads it, hence the mutex.
type streamHealth struct {
	mu                  sync.Mutex
	connected           bool
	connects            int
	consecutiveFailures int
	attempt             int
	events              int64
	lastErr             string
	lastFailure         time.Time
	lastConnected       time.Time
}

func (h *streamHealth) recordConnect(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = true
	h.connects++
	h.consecutiveFailures = 0
	h.lastConnected = now
}

func (h *streamHealth) recordFailure(err error, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = false
	h.consecutiveFailures++
	h.lastErr = err.Error()
	h.lastFailure = now
}

func (h *streamHealth) recordEvent() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events++
}

func (h *streamHealth) setAttempt(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempt = n
}

func (h *streamHealth) disconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = false
}

func (h *streamHealth) snapshot() Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Health{
		Connected:           h.connected,
		Connects:            h.connects,
		ConsecutiveFailures: h.consecutiveFailures,
		Attempt:             h.attempt,
		Events:              h.events,
		LastError:           h.lastErr,
		LastFailureAt:       h.lastFailure,
		LastConnectedAt:     h.lastConnected,
	}
}
