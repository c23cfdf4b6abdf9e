// Package history keeps a SQLite record of synthesis outcomes for
// inspection and retention pruning.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/danieldang7ngo-design/Superfreetts/internal/config"
	_ "modernc.org/sqlite"
)

// Entry is one recorded synthesis outcome.
type Entry struct {
	ID         int64
	Engine     string
	Voice      string
	Status     string
	Error      string
	TextLen    int
	DurationMS int64
	CreatedAt  time.Time
}

// Store wraps a SQLite-backed synthesis history. In ephemeral retention mode
// every operation is a no-op so callers never branch on configuration.
type Store struct {
	db    *sql.DB
	cfg   config.HistoryConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the history store according to config.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("history prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS syntheses (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    engine TEXT NOT NULL,
    voice TEXT,
    status TEXT NOT NULL,
    error TEXT,
    text_len INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_syntheses_created ON syntheses(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record writes one synthesis outcome.
func (s *Store) Record(ctx context.Context, engine, voice, status, errMsg string, textLen int, durationMS int64) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO syntheses(engine, voice, status, error, text_len, duration_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		engine, voice, status, errMsg, textLen, durationMS, s.clock().UTC())
	return err
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, engine, voice, status, error, text_len, duration_ms, created_at
		 FROM syntheses ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created string
		if err := rows.Scan(&e.ID, &e.Engine, &e.Voice, &e.Status, &e.Error, &e.TextLen, &e.DurationMS, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune applies configured retention, called on startup.
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM syntheses WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxRows > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM syntheses WHERE id IN (
			SELECT id FROM syntheses ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRows)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
