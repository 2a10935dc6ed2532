// Package events consumes the opencode server's live event stream and
// turns it into session activity.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/agent-racer/opencode-bridge/internal/clock"
	"github.com/agent-racer/opencode-bridge/internal/session"
)

// StreamPath is the server's SSE endpoint.
const StreamPath = "/event"

const (
	defaultURLWait = 30 * time.Second
	defaultURLPoll = 250 * time.Millisecond
	maxURLPoll     = 2 * time.Second
	readBufferSize = 32 * 1024
)

var errStreamEnded = errors.New("event stream ended")

// Endpoint is where the watcher gets its connection parameters. The
// supervisor implements it; APIURL reports false until a server is
// connected.
type Endpoint interface {
	APIURL() (string, bool)
	AuthHeader() http.Header
}

// ActivitySink receives derived activity tuples.
type ActivitySink interface {
	Apply(session.Activity)
}

type Options struct {
	// Client must not carry an overall Timeout; the stream is long-lived.
	Client  *http.Client
	Clock   clock.Clock
	Backoff Backoff
	// URLWaitTimeout bounds one round of waiting for the endpoint to
	// become usable; the round is then restarted.
	URLWaitTimeout time.Duration
	// URLPollInterval is the first polling delay while waiting; it
	// doubles up to 2s.
	URLPollInterval time.Duration
	Logger          *slog.Logger
	// OnEvent sees every well-formed payload before derivation.
	OnEvent func(json.RawMessage)
}

// Watcher is a reconnecting SSE consumer.
type Watcher struct {
	endpoint Endpoint
	sink     ActivitySink
	client   *http.Client
	clock    clock.Clock
	backoff  Backoff
	urlWait  time.Duration
	urlPoll  time.Duration
	logger   *slog.Logger
	onEvent  func(json.RawMessage)
	health   streamHealth
}

func NewWatcher(endpoint Endpoint, sink ActivitySink, opts Options) *Watcher {
	w := &Watcher{
		endpoint: endpoint,
		sink:     sink,
		client:   opts.Client,
		clock:    opts.Clock,
		backoff:  opts.Backoff,
		urlWait:  opts.URLWaitTimeout,
		urlPoll:  opts.URLPollInterval,
		logger:   opts.Logger,
		onEvent:  opts.OnEvent,
	}
	if w.client == nil {
		w.client = &http.Client{}
	}
	if w.clock == nil {
		w.clock = clock.Real()
	}
	if w.backoff.Base <= 0 {
		w.backoff = DefaultBackoff()
	}
	if w.urlWait <= 0 {
		w.urlWait = defaultURLWait
	}
	if w.urlPoll <= 0 {
		w.urlPoll = defaultURLPoll
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	return w
}

// Health returns the current connection health.
func (w *Watcher) Health() Health {
	return w.health.snapshot()
}

// Run streams events until ctx is cancelled. Transport failures are
// retried with backoff and never returned.
func (w *Watcher) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		base, header, ok := w.waitForEndpoint(ctx)
		if !ok {
			continue
		}

		connected, err := w.stream(ctx, base, header)
		w.health.disconnect()
		if ctx.Err() != nil {
			return nil
		}
		w.health.recordFailure(err, w.clock.Now())

		if connected && w.backoff.ResetOnConnect {
			attempt = 0
		}
		delay := w.backoff.Delay(attempt)
		attempt++
		w.health.setAttempt(attempt)
		w.logger.Warn("event stream disconnected", "error", err, "retry_in", delay, "attempt", attempt)

		if !w.sleep(ctx, delay) {
			return nil
		}
	}
}

// waitForEndpoint polls the endpoint until it exposes a URL, ctx ends,
// or one wait round elapses.
func (w *Watcher) waitForEndpoint(ctx context.Context) (string, http.Header, bool) {
	deadline := w.clock.Now().Add(w.urlWait)
	delay := w.urlPoll
	for {
		if base, ok := w.endpoint.APIURL(); ok {
			return base, w.endpoint.AuthHeader(), true
		}
		remaining := deadline.Sub(w.clock.Now())
		if remaining <= 0 {
			w.logger.Debug("still waiting for server url", "waited", w.urlWait)
			return "", nil, false
		}
		if !w.sleep(ctx, min(delay, remaining)) {
			return "", nil, false
		}
		delay = min(delay*2, maxURLPoll)
	}
}

// stream runs one connection attempt. connected reports whether the
// server accepted the request before the stream failed.
func (w *Watcher) stream(ctx context.Context, base string, header http.Header) (connected bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+StreamPath, nil)
	if err != nil {
		return false, fmt.Errorf("building stream request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := w.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("connecting to event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("event stream returned status %d", resp.StatusCode)
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return false, errors.New("event stream has no body")
	}

	w.health.recordConnect(w.clock.Now())
	w.logger.Info("event stream connected", "url", base)

	var framer Framer
	buf := make([]byte, readBufferSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			for _, payload := range framer.Feed(buf[:n]) {
				w.dispatch(payload)
			}
		}
		if errors.Is(err, io.EOF) {
			return true, errStreamEnded
		}
		if err != nil {
			return true, fmt.Errorf("reading event stream: %w", err)
		}
	}
}

func (w *Watcher) dispatch(payload json.RawMessage) {
	w.health.recordEvent()
	if w.onEvent != nil {
		w.onEvent(payload)
	}
	if w.sink == nil {
		return
	}
	if act, ok := session.Derive(payload); ok {
		w.sink.Apply(act)
	}
}

func (w *Watcher) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-w.clock.After(d):
		return true
	}
}
