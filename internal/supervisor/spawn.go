package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agent-racer/opencode-bridge/internal/binary"
)

const (
	listenHost   = "127.0.0.1"
	maxLineBytes = 64 * 1024
	killWait     = 5 * time.Second
)

var listeningPattern = regexp.MustCompile(`listening on\s+(https?://\S+)`)

// allocatePort asks the OS for a free port and releases it again.
func allocatePort() (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(listenHost, "0"))
	if err != nil {
		return 0, fmt.Errorf("allocating port: %w", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// child is a spawned server process. done closes once Wait returns.
type child struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	exitCode int
	waitErr  error
}

func (c *child) pid() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

func (c *child) exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *child) exit() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode, c.waitErr
}

// kill terminates the process group and waits for the process to be
// reaped, bounded by ctx and killWait.
func (c *child) kill(ctx context.Context) {
	if c.exited() {
		return
	}
	killProcessGroup(c.cmd.Process)
	timer := time.NewTimer(killWait)
	defer timer.Stop()
	select {
	case <-c.done:
	case <-ctx.Done():
	case <-timer.C:
	}
}

// spawn starts `<bin> serve` and waits for it to print its listening
// URL. On any failure the process is killed before returning.
func (s *Supervisor) spawn(ctx context.Context, res binary.Resolution, workdir string, port int, password string) (*child, string, error) {
	cmd := s.command(res.Path, "serve", "--hostname", listenHost, "--port", strconv.Itoa(port))
	cmd.Dir = workdir
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	if res.Source != binary.SourceConfig {
		cmd.Env = withPath(cmd.Env, filepath.Dir(res.Path))
	}
	cmd.Env = append(cmd.Env, PasswordEnv+"="+password)
	setProcessGroup(cmd)
	cmd.WaitDelay = time.Second

	urls := make(chan string, 1)
	cmd.Stdout = &lineWriter{fn: func(line string) {
		s.logger.Debug("opencode stdout", "line", line)
		if m := listeningPattern.FindStringSubmatch(line); m != nil {
			select {
			case urls <- strings.TrimRight(m[1], ".,;"):
			default:
			}
		}
	}}
	cmd.Stderr = &lineWriter{fn: func(line string) {
		s.logger.Debug("opencode stderr", "line", line)
	}}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, exec.ErrNotFound) {
			return nil, "", &StartError{Kind: BinaryNotFound, Err: err}
		}
		return nil, "", &StartError{Kind: SpawnFailed, Err: err}
	}

	ch := &child{cmd: cmd, done: make(chan struct{})}
	go s.waitChild(ch)

	s.logger.Info("spawned opencode server", "pid", ch.pid(), "port", port, "workdir", workdir)

	select {
	case u := <-urls:
		return ch, u, nil
	case <-ch.done:
		code, _ := ch.exit()
		s.mu.Lock()
		s.lastExitCode = &code
		s.mu.Unlock()
		return nil, "", &StartError{Kind: SpawnFailed, Err: fmt.Errorf("server exited with code %d before reporting a listening URL", code)}
	case <-s.clock.After(s.startupTimeout):
		ch.kill(context.Background())
		return nil, "", &StartError{Kind: SpawnTimeout}
	case <-ctx.Done():
		ch.kill(context.Background())
		return nil, "", ctx.Err()
	}
}

func (s *Supervisor) waitChild(ch *child) {
	err := ch.cmd.Wait()
	code := -1
	if ch.cmd.ProcessState != nil {
		code = ch.cmd.ProcessState.ExitCode()
	}
	ch.mu.Lock()
	ch.exitCode = code
	ch.waitErr = err
	ch.mu.Unlock()
	close(ch.done)
	s.handleExit(ch)
}

// exposeOnPath prepends dir to the process PATH so later lookups and
// every child inherit it.
func exposeOnPath(dir string) {
	current := os.Getenv("PATH")
	if next := binary.PrependPath(current, dir); next != current {
		os.Setenv("PATH", next)
	}
}

// withPath returns env with dir prepended to PATH.
func withPath(env []string, dir string) []string {
	out := make([]string, 0, len(env)+1)
	found := false
	for _, kv := range env {
		key, value, _ := strings.Cut(kv, "=")
		if strings.EqualFold(key, "PATH") && !found {
			out = append(out, key+"="+binary.PrependPath(value, dir))
			found = true
			continue
		}
		out = append(out, kv)
	}
	if !found {
		out = append(out, "PATH="+dir)
	}
	return out
}

// portOf extracts the port of a listening URL, 0 if it has none.
func portOf(raw string) int {
	u, err := url.Parse(raw)
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(u.Port())
	return port
}

// lineWriter calls fn for every complete line written to it. Overlong
// lines are flushed in pieces.
type lineWriter struct {
	mu  sync.Mutex
	buf []byte
	fn  func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.fn(strings.TrimRight(string(w.buf[:i]), "\r"))
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxLineBytes {
		w.fn(string(w.buf))
		w.buf = nil
	}
	return len(p), nil
}
