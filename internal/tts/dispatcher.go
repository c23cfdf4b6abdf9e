package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/danieldang7ngo-design/Superfreetts/internal/config"
	"github.com/danieldang7ngo-design/Superfreetts/internal/worker"
	"github.com/go-audio/wav"
)

var (
	// ErrTextEmpty marks a caller precondition violation, not a runtime
	// failure to recover from.
	ErrTextEmpty = errors.New("text must not be empty")
	// ErrUnknownEngine reports a request naming an engine with no
	// configured command.
	ErrUnknownEngine = errors.New("unknown engine")
	// ErrEngineFailed carries the worker-supplied failure message.
	ErrEngineFailed = errors.New("engine reported failure")
	// ErrOutputMissing reports an ok response without the promised file.
	ErrOutputMissing = errors.New("engine did not produce an output file")
	// ErrOutputInvalid reports an output file that is not a readable WAV.
	ErrOutputInvalid = errors.New("engine produced an invalid audio file")
)

// Dispatcher routes synthesis requests to engine worker pools: acquire or
// start a worker for the target identity, write one request line, block for
// one response line, return the produced audio bytes. One request maps to
// exactly one completed file write; the temporary file is removed on every
// exit path.
type Dispatcher struct {
	engines       map[string]*Engine
	defaultEngine string
	defaultVoice  string
	timeout       time.Duration
	tempDir       string
	log           *slog.Logger
}

func NewDispatcher(engines map[string]config.EngineConfig, cfg config.TTSConfig, log *slog.Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		engines:       make(map[string]*Engine),
		defaultEngine: cfg.DefaultEngine,
		defaultVoice:  cfg.DefaultVoice,
		timeout:       time.Duration(cfg.RequestTimeoutS) * time.Second,
		log:           log.With(slog.String("component", "tts-dispatcher")),
	}

	for name, engineCfg := range engines {
		if engineCfg.Command == "" {
			continue
		}
		engine, err := NewEngine(name, engineCfg, cfg.StderrTail, d.log)
		if err != nil {
			return nil, err
		}
		d.engines[name] = engine
	}

	if len(d.engines) == 0 {
		return nil, errors.New("no engines configured with a command")
	}
	return d, nil
}

// Engines lists the configured engine names.
func (d *Dispatcher) Engines() []string {
	names := make([]string, 0, len(d.engines))
	for name := range d.engines {
		names = append(names, name)
	}
	return names
}

// Synthesize produces a complete WAV payload for req. A failed request never
// wedges the worker for future callers: on any response-stream or engine
// error the offending worker is stopped so the next call starts fresh. There
// is no automatic retry here; that decision belongs to the caller.
func (d *Dispatcher) Synthesize(ctx context.Context, req SynthesisRequest) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrTextEmpty
	}

	name := req.Engine
	if name == "" {
		name = d.defaultEngine
	}
	engine, ok := d.engines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, name)
	}
	if req.Voice == "" {
		req.Voice = d.defaultVoice
	}

	identity, err := engine.identityFor(req)
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(d.tempDir, "superfreetts-*.wav")
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	outputPath := tmp.Name()
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close output file: %w", err)
	}
	defer func() {
		if err := os.Remove(outputPath); err != nil && !os.IsNotExist(err) {
			d.log.Warn("failed to remove output file",
				slog.String("path", outputPath), slog.String("error", err.Error()))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	handle, err := engine.pool.Acquire(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("acquire %s worker: %w", name, err)
	}

	resp, err := handle.SendRequest(ctx, engine.envelope(req, outputPath))
	if err != nil {
		engine.pool.Stop(identity)
		return nil, d.failure(name, handle, err)
	}
	if resp.Status != worker.StatusOK {
		// The stream still frames correctly, but the engine's state is
		// suspect; stopping it trades throughput for safety.
		engine.pool.Stop(identity)
		return nil, d.failure(name, handle, fmt.Errorf("%w: %s", ErrEngineFailed, resp.Message))
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		engine.pool.Stop(identity)
		if os.IsNotExist(err) {
			return nil, d.failure(name, handle, ErrOutputMissing)
		}
		return nil, fmt.Errorf("read %s output: %w", name, err)
	}
	// The dispatcher pre-creates the output file, so a worker that never
	// wrote anything leaves it empty rather than absent.
	if len(data) == 0 {
		engine.pool.Stop(identity)
		return nil, d.failure(name, handle, ErrOutputMissing)
	}
	if !wav.NewDecoder(bytes.NewReader(data)).IsValidFile() {
		engine.pool.Stop(identity)
		return nil, d.failure(name, handle, ErrOutputInvalid)
	}

	engine.pool.Release(identity)
	return data, nil
}

// StopAll stops every worker across all engine pools.
func (d *Dispatcher) StopAll() {
	for _, engine := range d.engines {
		engine.pool.StopAll()
	}
}

// failure attaches recent worker stderr to the error so reports carry the
// engine's own diagnostics.
func (d *Dispatcher) failure(engine string, handle *worker.Handle, err error) error {
	if tail := handle.StderrTail(); tail != "" {
		return fmt.Errorf("%s synthesis failed: %w (recent stderr: %s)", engine, err, tail)
	}
	return fmt.Errorf("%s synthesis failed: %w", engine, err)
}
