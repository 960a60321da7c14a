// Package store keeps the local recording history in SQLite so recent
// recordings can be listed even while the backend is unreachable.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/domain"
)

// ErrNotFound is returned when a recording does not exist.
var ErrNotFound = errors.New("recording not found")

// SQLiteStore implements the recording history on SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens dsn and migrates the schema.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every connection to an in-memory database is a separate database.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS recordings (
			session_id TEXT PRIMARY KEY,
			started_at DATETIME NOT NULL,
			stopped_at DATETIME NOT NULL,
			artifact_path TEXT,
			result TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recordings_stopped ON recordings(stopped_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveRecording inserts or replaces a recording.
func (s *SQLiteStore) SaveRecording(ctx context.Context, rec *domain.Recording) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recordings (session_id, started_at, stopped_at, artifact_path, result) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			started_at = excluded.started_at,
			stopped_at = excluded.stopped_at,
			artifact_path = excluded.artifact_path,
			result = excluded.result`,
		rec.SessionID, rec.StartedAt.UTC(), rec.StoppedAt.UTC(), nullString(rec.ArtifactPath), nullStringBytes(rec.Result))
	if err != nil {
		return fmt.Errorf("save recording %s: %w", rec.SessionID, err)
	}
	return nil
}

// GetRecording retrieves a recording by session ID.
func (s *SQLiteStore) GetRecording(ctx context.Context, sessionID string) (*domain.Recording, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, started_at, stopped_at, artifact_path, result FROM recordings WHERE session_id = ?`,
		sessionID)
	rec, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListRecentRecordings returns up to limit recordings, most recently
// stopped first.
func (s *SQLiteStore) ListRecentRecordings(ctx context.Context, limit int) ([]domain.Recording, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, started_at, stopped_at, artifact_path, result FROM recordings ORDER BY stopped_at DESC, session_id LIMIT ?`,
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recordings := []domain.Recording{}
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		recordings = append(recordings, *rec)
	}
	return recordings, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecording(row scanner) (*domain.Recording, error) {
	var rec domain.Recording
	var artifact, result sql.NullString
	var started, stopped time.Time
	if err := row.Scan(&rec.SessionID, &started, &stopped, &artifact, &result); err != nil {
		return nil, err
	}
	rec.StartedAt = started
	rec.StoppedAt = stopped
	rec.ArtifactPath = artifact.String
	if result.Valid {
		rec.Result = []byte(result.String)
	}
	return &rec, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
