package history

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/danieldang7ngo-design/Superfreetts/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, config.HistoryConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Record(ctx, "piper", "en-amy", "ok", "", 12, 340); err != nil {
		t.Fatalf("record: %v", err)
	}
	entries, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if entries != nil {
		t.Fatalf("expected nothing retained in ephemeral mode, got %d", len(entries))
	}
}

func TestRecordAndRecent(t *testing.T) {
	cfg := config.HistoryConfig{
		Path:          filepath.Join(t.TempDir(), "history.db"),
		RetentionMode: "persistent",
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	if err := s.Record(ctx, "piper", "en-amy", "ok", "", 12, 340); err != nil {
		t.Fatalf("record ok: %v", err)
	}
	if err := s.Record(ctx, "kokoro", "af_sky", "error", "model load failed", 40, 20); err != nil {
		t.Fatalf("record error: %v", err)
	}

	entries, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	// Newest first.
	if entries[0].Engine != "kokoro" || entries[0].Status != "error" {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if entries[0].Error != "model load failed" {
		t.Fatalf("unexpected error message: %q", entries[0].Error)
	}
	if entries[1].Engine != "piper" || entries[1].DurationMS != 340 {
		t.Fatalf("unexpected second entry: %+v", entries[1])
	}
}

func TestPruneByDaysAndRows(t *testing.T) {
	cfg := config.HistoryConfig{
		Path:          filepath.Join(t.TempDir(), "history.db"),
		RetentionMode: "persistent",
		RetentionDays: 7,
		MaxRows:       2,
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()

	// An old entry beyond the retention window.
	s.clock = func() time.Time { return time.Now().Add(-30 * 24 * time.Hour) }
	if err := s.Record(ctx, "piper", "v", "ok", "", 1, 1); err != nil {
		t.Fatalf("record old: %v", err)
	}

	s.clock = time.Now
	for i := 0; i < 3; i++ {
		if err := s.Record(ctx, "piper", "v", "ok", "", 1, 1); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	entries, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries after prune, got %d", len(entries))
	}
}
