package session

import (
	"sync"
	"time"

	"github.com/agent-racer/opencode-bridge/internal/clock"
)

// DefaultCooldown is how long a session stays in Cooldown before it
// falls back to Idle.
const DefaultCooldown = 2 * time.Second

type record struct {
	phase     Phase
	updatedAt time.Time
	timer     clock.Timer
	// gen identifies the current timer so a callback that lost the race
	// with Stop can recognise it is stale.
	gen uint64
}

// PhaseStore holds the per-session activity phase and debounces the
// Cooldown -> Idle transition. A PhaseStore is owned by one watcher;
// sessions absent from the store are Idle.
type PhaseStore struct {
	mu       sync.Mutex
	clock    clock.Clock
	cooldown time.Duration
	observer Observer
	sessions map[string]*record
	nextGen  uint64
	closed   bool
}

// NewPhaseStore returns a store that notifies observer (may be nil) on
// every phase write. clk nil means the real clock; cooldown <= 0 means
// DefaultCooldown.
func NewPhaseStore(clk clock.Clock, cooldown time.Duration, observer Observer) *PhaseStore {
	if clk == nil {
		clk = clock.Real()
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &PhaseStore{
		clock:    clk,
		cooldown: cooldown,
		observer: observer,
		sessions: make(map[string]*record),
	}
}

// Apply is SetPhase for a derived activity tuple.
func (s *PhaseStore) Apply(act Activity) {
	s.SetPhase(act.SessionID, act.Phase)
}

// SetPhase records phase for sessionID. Repeating the current phase
// while no cooldown timer is pending is a no-op.
func (s *PhaseStore) SetPhase(sessionID string, phase Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	rec, ok := s.sessions[sessionID]
	if !ok {
		rec = &record{phase: Idle}
		s.sessions[sessionID] = rec
	}
	if ok && rec.timer == nil && rec.phase == phase {
		return
	}

	s.stopTimerLocked(rec)
	s.writeLocked(sessionID, rec, phase)

	if phase == Cooldown {
		s.nextGen++
		gen := s.nextGen
		rec.gen = gen
		rec.timer = s.clock.AfterFunc(s.cooldown, func() {
			s.expire(sessionID, gen)
		})
	}
}

func (s *PhaseStore) expire(sessionID string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	rec, ok := s.sessions[sessionID]
	if !ok || rec.gen != gen || rec.timer == nil {
		return
	}
	rec.timer = nil
	if rec.phase != Cooldown {
		return
	}
	s.writeLocked(sessionID, rec, Idle)
}

func (s *PhaseStore) writeLocked(sessionID string, rec *record, phase Phase) {
	rec.phase = phase
	rec.updatedAt = s.clock.Now()
	if s.observer != nil {
		s.observer.Notify(Change{SessionID: sessionID, Phase: phase, At: rec.updatedAt})
	}
}

func (s *PhaseStore) stopTimerLocked(rec *record) {
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
}

// Phase returns the stored phase, Idle for unknown sessions.
func (s *PhaseStore) Phase(sessionID string) Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.sessions[sessionID]; ok {
		return rec.phase
	}
	return Idle
}

// Snapshot returns a copy of every known session's phase.
func (s *PhaseStore) Snapshot() map[string]Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Phase, len(s.sessions))
	for id, rec := range s.sessions {
		out[id] = rec.phase
	}
	return out
}

// PendingTimers returns the number of sessions waiting on a cooldown
// timer.
func (s *PhaseStore) PendingTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.sessions {
		if rec.timer != nil {
			n++
		}
	}
	return n
}

// Close cancels every pending cooldown timer. The store ignores all
// writes afterwards.
func (s *PhaseStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, rec := range s.sessions {
		s.stopTimerLocked(rec)
	}
}
