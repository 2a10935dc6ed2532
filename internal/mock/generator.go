package mock

import (
	"context"
	"time"
)

// mockSession cycles through work and rest. Each cycle opens with a
// status event, streams assistant parts while working, finishes the
// message, then reports idle.
type mockSession struct {
	id         string
	workTicks  int
	restTicks  int
	status     string // "busy" or "retry"
	tickOffset int
}

func (ms *mockSession) period() int {
	return ms.workTicks + ms.restTicks
}

type Generator struct {
	server   *Server
	interval time.Duration
	sessions []*mockSession
}

func NewGenerator(server *Server, interval time.Duration) *Generator {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Generator{
		server:   server,
		interval: interval,
		sessions: []*mockSession{
			{id: "ses_mock_steady", workTicks: 6, restTicks: 4, status: "busy"},
			{id: "ses_mock_burst", workTicks: 2, restTicks: 3, status: "busy", tickOffset: 1},
			{id: "ses_mock_stall", workTicks: 10, restTicks: 12, status: "busy", tickOffset: 3},
			{id: "ses_mock_retry", workTicks: 4, restTicks: 6, status: "retry", tickOffset: 5},
		},
	}
}

// Start emits events on every tick until ctx is cancelled.
func (g *Generator) Start(ctx context.Context) {
	go g.run(ctx)
}

func (g *Generator) run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ev := range g.Step(tick) {
				g.server.Publish(ev)
			}
			tick++
		}
	}
}

// Step returns the events every session produces at tick.
func (g *Generator) Step(tick int) [][]byte {
	var out [][]byte
	for _, ms := range g.sessions {
		out = append(out, ms.events(tick)...)
	}
	return out
}

func (ms *mockSession) events(tick int) [][]byte {
	p := (tick + ms.tickOffset) % ms.period()
	messageID := "msg_" + ms.id
	switch {
	case p == 0:
		return [][]byte{
			Event("session.status", map[string]any{
				"sessionID": ms.id,
				"status":    map[string]any{"type": ms.status},
			}),
		}
	case p < ms.workTicks:
		return [][]byte{
			Event("message.part.updated", map[string]any{
				"sessionID": ms.id,
				"info":      map[string]any{"id": messageID, "sessionID": ms.id, "role": "assistant"},
			}),
		}
	case p == ms.workTicks:
		return [][]byte{
			Event("message.updated", map[string]any{
				"info": map[string]any{"id": messageID, "sessionID": ms.id, "role": "assistant", "finish": "stop"},
			}),
		}
	case p == ms.workTicks+1:
		return [][]byte{
			Event("session.status", map[string]any{
				"sessionID": ms.id,
				"status":    map[string]any{"type": "idle"},
			}),
			Event("session.idle", map[string]any{"sessionID": ms.id}),
		}
	}
	return nil
}
