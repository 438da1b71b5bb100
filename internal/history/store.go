// Package history persists call metadata in SQLite.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"teleconsult/native/internal/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a domain.HistorySink backed by SQLite.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

// Open creates the database file (and its directory) if needed and applies
// pending migrations.
func Open(path string, l zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{
		db:  db,
		log: l.With().Str("component", "history").Logger(),
		now: time.Now,
	}
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(sub); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(fsys fs.FS) error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		var n int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE filename = ?`, file).Scan(&n); err != nil {
			return fmt.Errorf("check migration %s: %w", file, err)
		}
		if n > 0 {
			continue
		}

		content, err := fs.ReadFile(fsys, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations (filename, applied_at) VALUES (?, ?)`,
			file, s.now().UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		s.log.Debug().Str("file", file).Msg("migration applied")
	}
	return nil
}

// RecordStarted inserts a new row and returns its id.
func (s *Store) RecordStarted(ctx context.Context, rec domain.CallRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = domain.RecordRinging
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (id, conversation_id, caller_id, call_type, status, duration_seconds, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ConversationID, rec.CallerID, string(rec.CallType), string(rec.Status),
		rec.DurationSeconds, formatTime(rec.StartedAt),
	)
	if err != nil {
		return "", fmt.Errorf("insert call: %w", err)
	}
	s.log.Debug().Str("id", rec.ID).Str("conversation", rec.ConversationID).Msg("call recorded")
	return rec.ID, nil
}

// RecordFinished sets the final status, duration and end time of a row.
func (s *Store) RecordFinished(ctx context.Context, id string, status domain.RecordStatus, durationSeconds int, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE calls SET status = ?, duration_seconds = ?, ended_at = ?
		WHERE id = ?`,
		string(status), durationSeconds, formatTime(endedAt), id,
	)
	if err != nil {
		return fmt.Errorf("update call: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update call: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Get returns one row.
func (s *Store) Get(ctx context.Context, id string) (domain.CallRecord, error) {
	row := s.db.QueryRowContext(ctx, selectCalls+` WHERE id = ?`, id)
	rec, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CallRecord{}, domain.ErrNotFound
	}
	return rec, err
}

// ListByConversation returns the most recent calls of a conversation,
// newest first.
func (s *Store) ListByConversation(ctx context.Context, conversationID string, limit int) ([]domain.CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		selectCalls+` WHERE conversation_id = ? ORDER BY started_at DESC LIMIT ?`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	var out []domain.CallRecord
	for rows.Next() {
		rec, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	return out, nil
}

const selectCalls = `
	SELECT id, conversation_id, caller_id, call_type, status, duration_seconds, started_at, ended_at
	FROM calls`

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(sc scanner) (domain.CallRecord, error) {
	var (
		rec              domain.CallRecord
		callType, status string
		started          string
		ended            sql.NullString
	)
	if err := sc.Scan(&rec.ID, &rec.ConversationID, &rec.CallerID, &callType, &status,
		&rec.DurationSeconds, &started, &ended); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan call: %w", err)
	}
	rec.CallType = domain.CallType(callType)
	rec.Status = domain.RecordStatus(status)

	t, err := time.Parse(time.RFC3339Nano, started)
	if err != nil {
		return rec, fmt.Errorf("parse started_at: %w", err)
	}
	rec.StartedAt = t
	if ended.Valid {
		t, err := time.Parse(time.RFC3339Nano, ended.String)
		if err != nil {
			return rec, fmt.Errorf("parse ended_at: %w", err)
		}
		rec.EndedAt = &t
	}
	return rec, nil
}

// timeLayout has a fixed-width fraction so stored values sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
