package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danieldang7ngo-design/Superfreetts/internal/bus"
	"github.com/danieldang7ngo-design/Superfreetts/internal/config"
	"github.com/danieldang7ngo-design/Superfreetts/internal/history"
	"github.com/danieldang7ngo-design/Superfreetts/internal/natsserver"
	"github.com/danieldang7ngo-design/Superfreetts/internal/objectstore"
	"github.com/danieldang7ngo-design/Superfreetts/internal/tts"
)

// Runtime wires the daemon together: telemetry, the embedded bus, the
// synthesis dispatcher with its worker pools, the audio object store, the
// history store, and the HTTP health endpoints.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every subsystem up and blocks until ctx is cancelled, then
// shuts them down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus server: %w", err)
	}

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	busClient, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		if embedded != nil {
			embedded.Shutdown()
		}
		return fmt.Errorf("failed to connect to bus: %w", err)
	}

	hist, err := history.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		busClient.Close()
		if embedded != nil {
			embedded.Shutdown()
		}
		return fmt.Errorf("failed to open history store: %w", err)
	}

	var svc *tts.Service
	var dispatcher *tts.Dispatcher
	if r.cfg.TTS.Enabled {
		dispatcher, err = tts.NewDispatcher(r.cfg.Engines, r.cfg.TTS, r.logger)
		if err != nil {
			hist.Close()
			busClient.Close()
			if embedded != nil {
				embedded.Shutdown()
			}
			return fmt.Errorf("failed to build dispatcher: %w", err)
		}

		store, err := objectstore.New(busClient.JetStream(), r.cfg.TTS.AudioBucket)
		if err != nil {
			dispatcher.StopAll()
			hist.Close()
			busClient.Close()
			if embedded != nil {
				embedded.Shutdown()
			}
			return fmt.Errorf("failed to open audio object store: %w", err)
		}

		svc = tts.NewService(ctx, r.cfg.TTS, busClient, dispatcher, store, hist, r.logger)
		if err := svc.Start(); err != nil {
			dispatcher.StopAll()
			hist.Close()
			busClient.Close()
			if embedded != nil {
				embedded.Shutdown()
			}
			return fmt.Errorf("failed to start tts service: %w", err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.Bool("tts_enabled", r.cfg.TTS.Enabled))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if svc != nil {
		svc.Close()
	}
	if dispatcher != nil {
		dispatcher.StopAll()
	}
	if err := hist.Close(); err != nil {
		r.logger.Error("history close error", slog.String("error", err.Error()))
	}
	busClient.Close()
	if embedded != nil {
		embedded.Shutdown()
	}
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
