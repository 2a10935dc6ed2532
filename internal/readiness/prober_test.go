package readiness

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandidates(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"http://127.0.0.1:4096", []string{"http://127.0.0.1:4096"}},
		{"http://127.0.0.1:4096/", []string{"http://127.0.0.1:4096"}},
		{"http://127.0.0.1:4096/api/v1", []string{"http://127.0.0.1:4096"}},
		{"http://127.0.0.1:4096/?x=1", []string{"http://127.0.0.1:4096", "http://127.0.0.1:4096/?x=1"}},
		{"not a url", []string{"not a url"}},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Candidates(tt.in), tt.in)
	}
}

func TestWaitForReadyHealthy(t *testing.T) {
	var calls atomic.Int32
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, HealthPath, r.URL.Path)
		gotAuth.Store(r.Header.Get("Authorization"))
		if calls.Add(1) < 3 {
			w.Write([]byte(`{"healthy":false}`))
			return
		}
		w.Write([]byte(`{"healthy":true,"version":"0.9.1"}`))
	}))
	defer srv.Close()

	header := http.Header{}
	header.Set("Authorization", "Basic abc")
	p := &Prober{Interval: 5 * time.Millisecond}
	res := p.WaitForReady(context.Background(), srv.URL+"/", 2*time.Second, header)

	require.True(t, res.OK)
	assert.Equal(t, srv.URL, res.BaseURL)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, "0.9.1", res.Version)
	assert.Equal(t, "Basic abc", gotAuth.Load())
}

func TestWaitForReadyHealthyMustBeBooleanTrue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"healthy":"true"}`))
	}))
	defer srv.Close()

	p := &Prober{Interval: 5 * time.Millisecond}
	res := p.WaitForReady(context.Background(), srv.URL, 100*time.Millisecond, nil)

	assert.False(t, res.OK)
}

func TestWaitForReadyTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"healthy":true}`))
	}))
	defer srv.Close()

	timeout := 300 * time.Millisecond
	p := &Prober{Interval: 20 * time.Millisecond}
	res := p.WaitForReady(context.Background(), srv.URL, timeout, nil)

	assert.False(t, res.OK)
	assert.GreaterOrEqual(t, res.Elapsed, timeout)
	assert.Less(t, res.Elapsed, timeout+time.Second)
	assert.GreaterOrEqual(t, res.Attempts, 1)
	assert.Empty(t, res.BaseURL)
}

func TestWaitForReadyUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	timeout := 150 * time.Millisecond
	res := New().WaitForReady(context.Background(), url, timeout, nil)

	assert.False(t, res.OK)
	assert.GreaterOrEqual(t, res.Elapsed, timeout)
	assert.GreaterOrEqual(t, res.Attempts, 1)
}

func TestWaitForReadySlowRequestBounded(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p := &Prober{RequestTimeout: 50 * time.Millisecond, Interval: 10 * time.Millisecond}
	res := p.WaitForReady(context.Background(), srv.URL, 200*time.Millisecond, nil)

	assert.False(t, res.OK)
	assert.GreaterOrEqual(t, res.Attempts, 2)
}

func TestWaitForReadyContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"healthy":false}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res := New().WaitForReady(ctx, srv.URL, time.Minute, nil)

	assert.False(t, res.OK)
	assert.Less(t, time.Since(start), 5*time.Second)
}
