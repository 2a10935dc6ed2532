package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agent-racer/opencode-bridge/internal/config"
	"github.com/agent-racer/opencode-bridge/internal/session"
	"github.com/agent-racer/opencode-bridge/internal/supervisor"
)

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
)

var (
	ErrTooManyClients = errors.New("too many websocket clients")
	errInvalidEvent   = errors.New("event is not valid JSON")
)

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			return
		}
	}
}

// Broadcaster fans events out to websocket clients. Every client has a
// buffered send queue drained by its own write pump; a client whose
// queue is full is disconnected.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	maxConns int

	wrap      bool
	mask      bool
	directory func() string
	heartbeat time.Duration
	logger    *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// NewBroadcaster starts the heartbeat loop when cfg.HeartbeatInterval is
// positive. directory supplies the envelope's directory field and may be
// nil when envelopes are off.
func NewBroadcaster(cfg config.RelayConfig, directory func() string, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	if directory == nil {
		directory = func() string { return "" }
	}
	b := &Broadcaster{
		clients:   make(map[*client]bool),
		maxConns:  cfg.MaxClients,
		wrap:      cfg.WrapEnvelope,
		mask:      cfg.MaskDirectory,
		directory: directory,
		heartbeat: cfg.HeartbeatInterval,
		logger:    logger,
		stop:      make(chan struct{}),
	}
	if b.heartbeat > 0 {
		go b.heartbeatLoop()
	}
	return b
}

// AddClient registers conn and queues initial for it before any
// broadcast reaches it.
func (b *Broadcaster) AddClient(conn *websocket.Conn, initial ...[]byte) (*client, error) {
	c := &client{
		conn: conn,
		b:    b,
		send: make(chan []byte, sendBuffer),
	}

	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyClients
	}
	for _, ev := range initial {
		if data, ok := b.frame(ev); ok {
			select {
			case c.send <- data:
			default:
			}
		}
	}
	b.clients[c] = true
	b.mu.Unlock()

	go c.writePump()
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Notify relays a phase change. The phase store calls it under its lock,
// so it never blocks.
func (b *Broadcaster) Notify(c session.Change) {
	b.broadcast(ActivityEvent(c))
}

// PublishEvent relays one raw upstream event.
func (b *Broadcaster) PublishEvent(event []byte) {
	b.broadcast(event)
}

func (b *Broadcaster) PublishStatus(st supervisor.Status) {
	b.broadcast(StatusEvent(st))
}

// Stop ends the heartbeat loop and disconnects every client.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		close(b.stop)
		b.mu.Lock()
		for c := range b.clients {
			delete(b.clients, c)
			close(c.send)
		}
		b.mu.Unlock()
	})
}

func (b *Broadcaster) heartbeatLoop() {
	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case now := <-ticker.C:
			b.broadcast(HeartbeatEvent(uuid.NewString(), now))
		}
	}
}

// frame applies the envelope when enabled.
func (b *Broadcaster) frame(event []byte) ([]byte, bool) {
	if !b.wrap {
		return event, true
	}
	dir := b.directory()
	if b.mask {
		dir = maskDirectory(dir)
	}
	data, err := Wrap(dir, event)
	if err != nil {
		b.logger.Debug("dropping event that cannot be wrapped", "error", err)
		return nil, false
	}
	return data, true
}

func (b *Broadcaster) broadcast(event []byte) {
	data, ok := b.frame(event)
	if !ok {
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		if !b.trySend(c, data) {
			b.logger.Warn("ws client too slow, disconnecting")
			b.RemoveClient(c)
		}
	}
}

// trySend queues data unless the client is gone or its queue is full.
func (b *Broadcaster) trySend(c *client, data []byte) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.clients[c] {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}
