// Command speak sends one synthesis request to a running superfreettsd over
// NATS and writes the resulting WAV file locally.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/danieldang7ngo-design/Superfreetts/internal/objectstore"
	"github.com/danieldang7ngo-design/Superfreetts/internal/protocol"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

func main() {
	var (
		serverURL string
		engine    string
		voice     string
		langCode  string
		speed     float64
		output    string
		bucket    string
		timeout   time.Duration
	)

	flag.StringVar(&serverURL, "server", nats.DefaultURL, "NATS server URL")
	flag.StringVar(&engine, "engine", "", "Engine name (empty uses the daemon default)")
	flag.StringVar(&voice, "voice", "", "Voice or model name")
	flag.StringVar(&langCode, "lang", "", "Language code")
	flag.Float64Var(&speed, "speed", 0, "Speech rate multiplier (0 uses the engine default)")
	flag.StringVar(&output, "output", "output.wav", "Output file path")
	flag.StringVar(&bucket, "bucket", "superfreetts-audio", "Audio object store bucket")
	flag.DurationVar(&timeout, "timeout", 60*time.Second, "Request timeout")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	text := ""
	if flag.NArg() > 0 {
		text = flag.Arg(0)
	}
	if text == "" {
		logger.Error("no text to synthesize; pass it as the first argument")
		os.Exit(2)
	}

	if err := run(serverURL, bucket, output, timeout, protocol.SynthesisRequest{
		RequestID: uuid.NewString(),
		Engine:    engine,
		Voice:     voice,
		LangCode:  langCode,
		Text:      text,
		Speed:     speed,
	}, logger); err != nil {
		logger.Error("synthesis failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(serverURL, bucket, output string, timeout time.Duration, req protocol.SynthesisRequest, logger *slog.Logger) error {
	nc, err := nats.Connect(serverURL, nats.Name("speak"))
	if err != nil {
		return fmt.Errorf("connect to %s: %w", serverURL, err)
	}
	defer nc.Close()

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	msg, err := nc.Request(protocol.SubjectTTSRequest, payload, timeout)
	if err != nil {
		return fmt.Errorf("request synthesis: %w", err)
	}

	var result protocol.SynthesisResult
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	if result.Status != protocol.StatusOK {
		return fmt.Errorf("daemon reported failure: %s", result.Error)
	}

	js, err := nc.JetStream()
	if err != nil {
		return fmt.Errorf("jetstream context: %w", err)
	}
	store, err := objectstore.New(js, bucket)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	data, err := store.Download(ctx, result.AudioKey)
	if err != nil {
		return err
	}
	if err := os.WriteFile(output, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", output, err)
	}

	logger.Info("wrote audio",
		slog.String("path", output),
		slog.Int("bytes", len(data)),
		slog.Int64("duration_ms", result.DurationMS))
	return nil
}
