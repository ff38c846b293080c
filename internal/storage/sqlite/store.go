// Package sqlite provides a SQLite-backed transcript cache.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	sqlitemigrate "github.com/emberlane/storyloom/internal/platform/storage/sqlitemigrate"
	"github.com/emberlane/storyloom/internal/storage"
	"github.com/emberlane/storyloom/internal/storage/sqlite/migrations"
	"github.com/emberlane/storyloom/internal/transcript"
)

// Store persists transcripts in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite transcript cache and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// SaveTranscript replaces the cached transcript for a session. Optimistic
// entries are skipped; only authoritative history is persisted.
func (s *Store) SaveTranscript(ctx context.Context, sessionID string, entries []transcript.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save transcript: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM transcript_entries WHERE session_id = ?", sessionID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear cached transcript: %w", err)
	}

	position := 0
	for _, entry := range entries {
		if entry.IsOptimistic() {
			continue
		}
		choicesJSON, err := marshalOptional(entry.Choices)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("encode choices for entry %s: %w", entry.ID, err)
		}
		auxiliaryJSON, err := marshalOptional(entry.Auxiliary)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("encode auxiliary for entry %s: %w", entry.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO transcript_entries
    (session_id, position, entry_id, kind, content, choices_json, author, timestamp_ms, auxiliary_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sessionID, position, entry.ID, string(entry.Kind), entry.Content,
			choicesJSON, string(entry.Author), toMillis(entry.Timestamp), auxiliaryJSON)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert cached entry %s: %w", entry.ID, err)
		}
		position++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save transcript: %w", err)
	}
	return nil
}

// LoadTranscript returns the cached transcript in display order.
func (s *Store) LoadTranscript(ctx context.Context, sessionID string) ([]transcript.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT entry_id, kind, content, choices_json, author, timestamp_ms, auxiliary_json
FROM transcript_entries
WHERE session_id = ?
ORDER BY position ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query cached transcript: %w", err)
	}
	defer rows.Close()

	var entries []transcript.Entry
	for rows.Next() {
		var (
			entry         transcript.Entry
			kind          string
			author        string
			timestampMs   int64
			choicesJSON   sql.NullString
			auxiliaryJSON sql.NullString
		)
		if err := rows.Scan(&entry.ID, &kind, &entry.Content, &choicesJSON, &author, &timestampMs, &auxiliaryJSON); err != nil {
			return nil, fmt.Errorf("scan cached entry: %w", err)
		}
		entry.Kind = transcript.EntryKind(kind)
		entry.Author = transcript.Author(author)
		entry.Timestamp = fromMillis(timestampMs)
		if choicesJSON.Valid && choicesJSON.String != "" {
			if err := json.Unmarshal([]byte(choicesJSON.String), &entry.Choices); err != nil {
				return nil, fmt.Errorf("decode choices for entry %s: %w", entry.ID, err)
			}
		}
		if auxiliaryJSON.Valid && auxiliaryJSON.String != "" {
			if err := json.Unmarshal([]byte(auxiliaryJSON.String), &entry.Auxiliary); err != nil {
				return nil, fmt.Errorf("decode auxiliary for entry %s: %w", entry.ID, err)
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cached transcript: %w", err)
	}
	if len(entries) == 0 {
		return nil, storage.ErrNotFound
	}
	return entries, nil
}

func marshalOptional(value any) (sql.NullString, error) {
	switch v := value.(type) {
	case []string:
		if len(v) == 0 {
			return sql.NullString{}, nil
		}
	case map[string]any:
		if len(v) == 0 {
			return sql.NullString{}, nil
		}
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

var _ storage.TranscriptCache = (*Store)(nil)
