package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// writeScript drops an executable shell script into a temp dir and returns
// its path. The scripts speak the line protocol: one JSON object in, one out.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.sh")
	script := "#!/bin/sh\n" + body
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func startWorker(t *testing.T, body string) *Handle {
	t.Helper()
	h, err := Start(Identity{Executable: writeScript(t, body)}, StartOptions{Logger: newLogger()})
	if err != nil {
		t.Fatalf("start worker: %v", err)
	}
	t.Cleanup(h.Stop)
	return h
}

const echoWorker = `while IFS= read -r line; do
  printf '{"status":"ok","file":"out.wav"}\n'
done
`

func TestSendRequestRoundTrip(t *testing.T) {
	h := startWorker(t, echoWorker)

	if !h.Alive() {
		t.Fatal("expected worker alive after start")
	}

	resp, err := h.SendRequest(context.Background(), Request{Text: "hello", OutputFile: "out.wav"})
	if err != nil {
		t.Fatalf("send request: %v", err)
	}
	if resp.Status != StatusOK {
		t.Fatalf("expected ok status, got %q", resp.Status)
	}
	if resp.File != "out.wav" {
		t.Fatalf("unexpected file: %q", resp.File)
	}

	// The worker stays usable for a second request.
	if _, err := h.SendRequest(context.Background(), Request{Text: "again", OutputFile: "out.wav"}); err != nil {
		t.Fatalf("second request: %v", err)
	}
}

func TestSendRequestErrorStatus(t *testing.T) {
	h := startWorker(t, `while IFS= read -r line; do
  printf '{"status":"error","message":"synthesis exploded"}\n'
done
`)

	resp, err := h.SendRequest(context.Background(), Request{Text: "boom", OutputFile: "out.wav"})
	if err != nil {
		t.Fatalf("send request: %v", err)
	}
	if resp.Status != StatusError {
		t.Fatalf("expected error status, got %q", resp.Status)
	}
	if resp.Message != "synthesis exploded" {
		t.Fatalf("unexpected message: %q", resp.Message)
	}
}

func TestSendRequestProcessDied(t *testing.T) {
	h := startWorker(t, `read -r line
exit 3
`)

	_, err := h.SendRequest(context.Background(), Request{Text: "hello", OutputFile: "out.wav"})
	if !errors.Is(err, ErrProcessDied) {
		t.Fatalf("expected ErrProcessDied, got %v", err)
	}
	if h.Alive() {
		t.Fatal("expected handle marked dead")
	}
}

func TestSendRequestGarbageResponse(t *testing.T) {
	h := startWorker(t, `read -r line
printf 'segmentation fault\n'
`)

	_, err := h.SendRequest(context.Background(), Request{Text: "hello", OutputFile: "out.wav"})
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
	if h.Alive() {
		t.Fatal("expected handle stopped after protocol violation")
	}
}

func TestSendRequestUnknownStatus(t *testing.T) {
	h := startWorker(t, `read -r line
printf '{"status":"maybe"}\n'
`)

	_, err := h.SendRequest(context.Background(), Request{Text: "hello", OutputFile: "out.wav"})
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestSendRequestDeadline(t *testing.T) {
	h := startWorker(t, `read -r line
sleep 30
`)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := h.SendRequest(ctx, Request{Text: "hello", OutputFile: "out.wav"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if h.Alive() {
		t.Fatal("expected worker force-stopped after deadline")
	}
}

func TestSendRequestAfterStop(t *testing.T) {
	h := startWorker(t, echoWorker)
	h.Stop()

	_, err := h.SendRequest(context.Background(), Request{Text: "hello", OutputFile: "out.wav"})
	if !errors.Is(err, ErrProcessDied) {
		t.Fatalf("expected ErrProcessDied after stop, got %v", err)
	}
}

func TestStopIdempotent(t *testing.T) {
	h := startWorker(t, echoWorker)
	h.Stop()
	h.Stop()
	if h.Alive() {
		t.Fatal("expected worker dead after stop")
	}
}

func TestStderrTailBounded(t *testing.T) {
	h, err := Start(Identity{Executable: writeScript(t, `i=0
while [ $i -lt 30 ]; do
  echo "diag line $i" >&2
  i=$((i+1))
done
read -r line
printf '{"status":"ok","file":"out.wav"}\n'
`)}, StartOptions{StderrTail: 5, Logger: newLogger()})
	if err != nil {
		t.Fatalf("start worker: %v", err)
	}

	if _, err := h.SendRequest(context.Background(), Request{Text: "hello", OutputFile: "out.wav"}); err != nil {
		t.Fatalf("send request: %v", err)
	}
	// Stop waits for the stderr drain to finish.
	h.Stop()

	tail := h.StderrTail()
	lines := strings.Split(tail, "\n")
	if len(lines) != 5 {
		t.Fatalf("expected 5 retained lines, got %d: %q", len(lines), tail)
	}
	if lines[len(lines)-1] != "diag line 29" {
		t.Fatalf("expected newest line retained, got %q", lines[len(lines)-1])
	}
	if strings.Contains(tail, "diag line 0") {
		t.Fatal("expected oldest lines dropped")
	}
}

func TestStartFailure(t *testing.T) {
	_, err := Start(Identity{Executable: filepath.Join(t.TempDir(), "missing")}, StartOptions{Logger: newLogger()})
	if !errors.Is(err, ErrStartFailed) {
		t.Fatalf("expected ErrStartFailed, got %v", err)
	}
}

func TestIdentityKey(t *testing.T) {
	bare := Identity{Executable: "/opt/engine/run.sh"}
	with := Identity{Executable: "/opt/engine/run.sh", Model: "/models/en.onnx"}
	if bare.Key() == with.Key() {
		t.Fatal("expected distinct keys for distinct models")
	}
	if with.Key() != "/opt/engine/run.sh::/models/en.onnx" {
		t.Fatalf("unexpected key: %q", with.Key())
	}
}
