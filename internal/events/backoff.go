package events

import "time"

// Backoff computes reconnect delays as min(Base * 2^min(attempt,
// MaxExponent), Max).
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxExponent int
	// ResetOnConnect restarts the attempt counter after a connection
	// is established. When false the counter grows for the watcher's
	// whole lifetime.
	ResetOnConnect bool
}

// DefaultBackoff is 1s doubling to a 30s ceiling, never reset.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        time.Second,
		Max:         30 * time.Second,
		MaxExponent: 5,
	}
}

// Delay returns the wait before reconnect attempt number attempt
// (zero-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	exp := min(attempt, b.MaxExponent)
	d := b.Base << uint(exp)
	if d > b.Max || d <= 0 {
		return b.Max
	}
	return d
}
