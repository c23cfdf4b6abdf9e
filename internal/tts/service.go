package tts

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/danieldang7ngo-design/Superfreetts/internal/bus"
	"github.com/danieldang7ngo-design/Superfreetts/internal/config"
	"github.com/danieldang7ngo-design/Superfreetts/internal/protocol"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Service exposes synthesis over the bus. Each request message is handled in
// its own goroutine so a slow engine does not stall the subscription; the
// result is sent to the request's reply inbox, or published on the shared
// result subject when the caller did not ask for a reply.
type Service struct {
	cfg    config.TTSConfig
	bus    *bus.Client
	synth  Synthesizer
	store  ObjectStore
	rec    Recorder
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewService(parent context.Context, cfg config.TTSConfig, busClient *bus.Client, synth Synthesizer, store ObjectStore, rec Recorder, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		synth:  synth,
		store:  store,
		rec:    rec,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectTTSRequest, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.sub != nil }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SynthesisRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode synthesis request", slogError(err))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, time.Duration(s.cfg.RequestTimeoutS)*time.Second)
		defer cancel()

		started := time.Now()
		result := protocol.SynthesisResult{
			RequestID: req.RequestID,
			Status:    protocol.StatusOK,
		}

		data, err := s.synth.Synthesize(ctx, SynthesisRequest{
			Engine:   req.Engine,
			Voice:    req.Voice,
			LangCode: req.LangCode,
			Text:     req.Text,
			Speed:    req.Speed,
		})
		if err != nil {
			s.logger.Warn("synthesis failed",
				slog.String("engine", req.Engine), slogError(err))
			result.Status = protocol.StatusError
			result.Error = err.Error()
		} else {
			key := uuid.NewString() + ".wav"
			if err := s.store.Upload(ctx, key, data); err != nil {
				s.logger.Warn("failed to store audio", slogError(err))
				result.Status = protocol.StatusError
				result.Error = err.Error()
			} else {
				result.AudioKey = key
			}
		}

		result.DurationMS = time.Since(started).Milliseconds()
		result.Timestamp = time.Now().UTC()
		s.record(ctx, req, result)
		s.respond(msg, result)
	}()
}

func (s *Service) record(ctx context.Context, req protocol.SynthesisRequest, result protocol.SynthesisResult) {
	if s.rec == nil {
		return
	}
	engine := req.Engine
	if engine == "" {
		engine = s.cfg.DefaultEngine
	}
	if err := s.rec.Record(ctx, engine, req.Voice, result.Status, result.Error, len(req.Text), result.DurationMS); err != nil {
		s.logger.Warn("failed to record synthesis outcome", slogError(err))
	}
}

func (s *Service) respond(msg *nats.Msg, result protocol.SynthesisResult) {
	data, err := json.Marshal(result)
	if err != nil {
		s.logger.Warn("failed to marshal synthesis result", slogError(err))
		return
	}
	if msg.Reply != "" {
		if err := msg.Respond(data); err != nil {
			s.logger.Warn("failed to reply with synthesis result", slogError(err))
		}
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectTTSResult, data); err != nil {
		s.logger.Warn("failed to publish synthesis result", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
