package session

import "time"

// Change is delivered to the store's observer every time a session's
// phase is written, whether by SetPhase or by cooldown expiry.
type Change struct {
	SessionID string    `json:"sessionID"`
	Phase     Phase     `json:"phase"`
	At        time.Time `json:"at"`
}

// Observer receives phase changes. Notify is called with the store's
// lock held, so implementations must not call back into the store.
type Observer interface {
	Notify(Change)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Change)

func (f ObserverFunc) Notify(c Change) { f(c) }
