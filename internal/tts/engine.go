package tts

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/danieldang7ngo-design/Superfreetts/internal/config"
	"github.com/danieldang7ngo-design/Superfreetts/internal/worker"
	"github.com/mattn/go-shellwords"
)

// ErrModelNotFound reports a voice whose model file is absent from the
// engine's models directory.
var ErrModelNotFound = errors.New("model file not found")

// Engine binds one configured external synthesizer to its worker pool.
// Engines whose config carries a model flag start one worker per model file
// (the voice names the model); the others keep a single worker per
// executable and pass voice and language inside each request.
type Engine struct {
	name       string
	cfg        config.EngineConfig
	executable string
	args       []string
	workDir    string
	stderrTail int
	pool       *worker.Pool
	log        *slog.Logger
}

func NewEngine(name string, cfg config.EngineConfig, stderrTail int, log *slog.Logger) (*Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse %s command: %w", name, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%s command empty", name)
	}

	e := &Engine{
		name:       name,
		cfg:        cfg,
		executable: args[0],
		args:       args[1:],
		workDir:    cfg.WorkDir,
		stderrTail: stderrTail,
		log:        log.With(slog.String("engine", name)),
	}

	pool, err := worker.NewPool(worker.Options{
		Name:        name,
		MaxSlots:    cfg.MaxWorkers,
		IdleTimeout: time.Duration(cfg.IdleTimeoutS) * time.Second,
		Start:       e.startWorker,
		Logger:      e.log,
	})
	if err != nil {
		return nil, err
	}
	e.pool = pool
	return e, nil
}

func (e *Engine) Name() string {
	return e.name
}

// identityFor maps a request onto the worker identity that must serve it,
// resolving and checking the model file for per-model engines.
func (e *Engine) identityFor(req SynthesisRequest) (worker.Identity, error) {
	identity := worker.Identity{Executable: e.executable}
	if e.cfg.ModelFlag == "" {
		return identity, nil
	}

	model := filepath.Join(e.cfg.ModelsDir, req.Voice+e.cfg.ModelExt)
	if _, err := os.Stat(model); err != nil {
		return worker.Identity{}, fmt.Errorf("%w: %s", ErrModelNotFound, model)
	}
	identity.Model = model
	return identity, nil
}

func (e *Engine) envelope(req SynthesisRequest, outputPath string) worker.Request {
	env := worker.Request{
		Text:       req.Text,
		OutputFile: outputPath,
	}
	if e.cfg.ModelFlag != "" {
		// The worker is already bound to the model; nothing else to say.
		return env
	}
	env.Voice = req.Voice
	env.Speed = req.Speed
	env.LangCode = req.LangCode
	if e.cfg.ModelsDir != "" && req.LangCode != "" {
		env.ModelDir = filepath.Join(e.cfg.ModelsDir, req.LangCode)
	}
	return env
}

func (e *Engine) startWorker(identity worker.Identity) (*worker.Handle, error) {
	args := append([]string{}, e.args...)
	if identity.Model != "" {
		args = append(args, e.cfg.ModelFlag, identity.Model)
	}
	return worker.Start(identity, worker.StartOptions{
		Args:       args,
		WorkDir:    e.workDir,
		StderrTail: e.stderrTail,
		Logger:     e.log,
	})
}
