package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Identity names the executable, and optionally the loaded model, a worker
// represents. Two requests can share a live process only when their
// identities match.
type Identity struct {
	Executable string
	Model      string
}

// Key returns the map key used to register a handle in a pool.
func (id Identity) Key() string {
	if id.Model == "" {
		return id.Executable
	}
	return id.Executable + "::" + id.Model
}

func (id Identity) String() string {
	if id.Model == "" {
		return filepath.Base(id.Executable)
	}
	return filepath.Base(id.Executable) + "/" + filepath.Base(id.Model)
}

// StartOptions configures a single worker launch.
type StartOptions struct {
	// Args are the arguments after the executable itself.
	Args []string
	// WorkDir defaults to the executable's directory so the engine can
	// resolve its bundled dependencies.
	WorkDir string
	// StderrTail bounds the retained stderr history, in lines.
	StderrTail int
	Logger     *slog.Logger
}

const stopGracePeriod = 2 * time.Second

// Handle owns one live worker process: its pipes, the stderr drain goroutine
// and the liveness state. A handle that has died or been stopped is never
// reused; callers start a fresh one.
type Handle struct {
	identity Identity
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   *bufio.Reader
	stderr   *tailBuffer
	log      *slog.Logger

	reqMu    sync.Mutex
	stopOnce sync.Once
	alive    atomic.Bool
	done     chan struct{}
}

// Start launches the worker executable with stdin/stdout/stderr piped and a
// background goroutine draining stderr into a bounded tail.
func Start(identity Identity, opts StartOptions) (*Handle, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	cmd := exec.Command(identity.Executable, opts.Args...)
	cmd.Dir = opts.WorkDir
	if cmd.Dir == "" {
		cmd.Dir = filepath.Dir(identity.Executable)
	}
	// Engines often spawn their own children; a process group lets Stop
	// take the whole tree down so the pipes actually close.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrStartFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrStartFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrStartFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStartFailed, identity.Executable, err)
	}

	h := &Handle{
		identity: identity,
		cmd:      cmd,
		stdin:    stdin,
		stdout:   bufio.NewReader(stdout),
		stderr:   newTailBuffer(opts.StderrTail),
		log:      log.With(slog.String("worker", identity.String())),
		done:     make(chan struct{}),
	}
	h.alive.Store(true)

	stderrDone := make(chan struct{})
	go h.drainStderr(stderr, stderrDone)
	go h.reap(stderrDone)

	h.log.Info("worker started", slog.Int("pid", cmd.Process.Pid))
	return h, nil
}

// Identity returns the identity this handle was started for.
func (h *Handle) Identity() Identity {
	return h.identity
}

// Alive reports whether the process is still running. It never blocks.
func (h *Handle) Alive() bool {
	return h.alive.Load()
}

// StderrTail returns the most recent stderr lines for failure reports.
func (h *Handle) StderrTail() string {
	return h.stderr.String()
}

// SendRequest writes one request line and blocks for the single matching
// response line. Exactly one request may be in flight per worker; the
// per-handle lock enforces that discipline. A ctx deadline bounds the wait:
// on expiry the worker is force-stopped, since an abandoned read leaves the
// stream unusable.
func (h *Handle) SendRequest(ctx context.Context, req Request) (Response, error) {
	h.reqMu.Lock()
	defer h.reqMu.Unlock()

	if !h.Alive() {
		return Response{}, ErrProcessDied
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}
	payload = append(payload, '\n')

	if _, err := h.stdin.Write(payload); err != nil {
		h.Stop()
		return Response{}, fmt.Errorf("write request: %w", ErrProcessDied)
	}

	type readResult struct {
		line []byte
		err  error
	}
	lines := make(chan readResult, 1)
	go func() {
		line, err := h.stdout.ReadBytes('\n')
		lines <- readResult{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		h.Stop()
		return Response{}, fmt.Errorf("awaiting worker response: %w", ctx.Err())
	case res := <-lines:
		if res.err != nil {
			h.Stop()
			return Response{}, fmt.Errorf("read response: %w", ErrProcessDied)
		}
		var resp Response
		if err := json.Unmarshal(bytes.TrimSpace(res.line), &resp); err != nil {
			h.Stop()
			return Response{}, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		if resp.Status != StatusOK && resp.Status != StatusError {
			h.Stop()
			return Response{}, fmt.Errorf("%w: unknown status %q", ErrProtocol, resp.Status)
		}
		return resp, nil
	}
}

// Stop closes stdin to signal a well-behaved worker, requests termination and
// force-kills after a grace period. It is idempotent; a second call is a
// no-op.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		h.alive.Store(false)
		_ = h.stdin.Close()
		_ = syscall.Kill(-h.cmd.Process.Pid, syscall.SIGTERM)
		select {
		case <-h.done:
		case <-time.After(stopGracePeriod):
			_ = syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
			<-h.done
		}
		h.log.Info("worker stopped")
	})
}

func (h *Handle) drainStderr(pipe io.Reader, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		h.stderr.Append(line)
		h.log.Debug("worker stderr", slog.String("line", line))
	}
}

func (h *Handle) reap(stderrDone <-chan struct{}) {
	<-stderrDone
	err := h.cmd.Wait()
	h.alive.Store(false)
	close(h.done)
	if err != nil {
		h.log.Debug("worker exited", slog.String("error", err.Error()))
	}
}
