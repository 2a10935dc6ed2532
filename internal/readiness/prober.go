// Package readiness polls a freshly started opencode server until it
// reports itself healthy.
package readiness

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/agent-racer/opencode-bridge/internal/clock"
)

// HealthPath is the server's health endpoint.
const HealthPath = "/global/health"

const (
	DefaultInterval       = 100 * time.Millisecond
	DefaultRequestTimeout = 3 * time.Second
	maxHealthBody         = 64 * 1024
)

// Result describes one WaitForReady run. BaseURL and Version are only
// set when OK.
type Result struct {
	OK       bool          `json:"ok"`
	BaseURL  string        `json:"baseUrl,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
	Attempts int           `json:"attempts"`
	Version  string        `json:"version,omitempty"`
}

type Prober struct {
	Client *http.Client
	Clock  clock.Clock
	// Interval is the pause between full sweeps over the candidates.
	Interval time.Duration
	// RequestTimeout bounds each health request.
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// New returns a Prober with the default interval and request timeout.
func New() *Prober {
	return &Prober{}
}

// WaitForReady polls the health endpoint of every candidate base URL
// derived from serverURL until one answers healthy or timeout elapses.
// It never fails outright: network errors count as failed attempts.
func (p *Prober) WaitForReady(ctx context.Context, serverURL string, timeout time.Duration, header http.Header) Result {
	clk := p.clock()
	start := clk.Now()
	elapsed := func() time.Duration { return clk.Now().Sub(start) }

	candidates := Candidates(serverURL)
	attempts := 0
	for {
		for _, base := range candidates {
			if ctx.Err() != nil {
				return Result{Elapsed: elapsed(), Attempts: attempts}
			}
			attempts++
			reqTimeout := min(p.requestTimeout(), max(timeout-elapsed(), time.Millisecond))
			if version, ok := p.probe(ctx, base, header, reqTimeout); ok {
				return Result{OK: true, BaseURL: base, Elapsed: elapsed(), Attempts: attempts, Version: version}
			}
		}

		remaining := timeout - elapsed()
		if remaining <= 0 {
			break
		}
		select {
		case <-ctx.Done():
			return Result{Elapsed: elapsed(), Attempts: attempts}
		case <-clk.After(min(p.interval(), remaining)):
		}
		if elapsed() >= timeout {
			break
		}
	}

	p.logger().Debug("server never reported healthy", "url", serverURL, "attempts", attempts, "timeout", timeout)
	return Result{Elapsed: elapsed(), Attempts: attempts}
}

func (p *Prober) probe(ctx context.Context, base string, header http.Header, timeout time.Duration) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+HealthPath, nil)
	if err != nil {
		return "", false
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client().Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", false
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHealthBody))
	if err != nil {
		return "", false
	}
	if gjson.GetBytes(body, "healthy").Type != gjson.True {
		return "", false
	}
	return gjson.GetBytes(body, "version").String(), true
}

// Candidates returns the base URLs worth probing for serverURL: its
// bare origin, plus the literal URL when its path is already the root.
func Candidates(serverURL string) []string {
	literal := strings.TrimRight(serverURL, "/")
	u, err := url.Parse(serverURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return []string{literal}
	}
	origin := u.Scheme + "://" + u.Host
	out := []string{origin}
	if (u.Path == "" || u.Path == "/") && literal != origin {
		out = append(out, literal)
	}
	return out
}

func (p *Prober) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return http.DefaultClient
}

func (p *Prober) clock() clock.Clock {
	if p.Clock != nil {
		return p.Clock
	}
	return clock.Real()
}

func (p *Prober) interval() time.Duration {
	if p.Interval > 0 {
		return p.Interval
	}
	return DefaultInterval
}

func (p *Prober) requestTimeout() time.Duration {
	if p.RequestTimeout > 0 {
		return p.RequestTimeout
	}
	return DefaultRequestTimeout
}

func (p *Prober) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
