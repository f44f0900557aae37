// Package sqlite stores transcripts in an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/nextlevelbuilder/clawlane/internal/store"
)

var schema = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	`CREATE TABLE IF NOT EXISTS transcript_entries (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		session_key TEXT NOT NULL,
		entry_type  TEXT NOT NULL,
		payload     TEXT NOT NULL,
		created_at  DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`,
	"CREATE INDEX IF NOT EXISTS idx_transcript_entries_key ON transcript_entries(session_key, id)",
}

// TranscriptStore implements store.TranscriptStore on SQLite.
type TranscriptStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. Use ":memory:" for
// a throwaway database.
func Open(path string) (*TranscriptStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps WAL mode simple and makes ":memory:" a single database.
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite schema: %w", err)
		}
	}
	return &TranscriptStore{db: db}, nil
}

func (s *TranscriptStore) AppendTurn(ctx context.Context, key string, rec store.TurnRecord) error {
	return s.insert(ctx, key, store.NewTurnEntry(rec))
}

func (s *TranscriptStore) AppendSummary(ctx context.Context, key string, rec store.SummaryRecord) error {
	return s.insert(ctx, key, store.NewSummaryEntry(rec))
}

func (s *TranscriptStore) insert(ctx context.Context, key string, e store.Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO transcript_entries (session_key, entry_type, payload) VALUES (?, ?, ?)`,
		key, string(e.Type), string(payload))
	if err != nil {
		return fmt.Errorf("insert transcript entry: %w", err)
	}
	return nil
}

func (s *TranscriptStore) LoadTranscript(ctx context.Context, key string) (*store.Transcript, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload FROM transcript_entries WHERE session_key = ? ORDER BY id`, key)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	t := &store.Transcript{Key: key}
	for rows.Next() {
		var (
			id      int64
			payload string
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		var e store.Entry
		if err := json.Unmarshal([]byte(payload), &e); err != nil || !e.Valid() {
			return nil, fmt.Errorf("%w: %s entry %d", store.ErrCorrupt, key, id)
		}
		t.Entries = append(t.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	if len(t.Entries) == 0 {
		return nil, store.ErrNotFound
	}
	return t, nil
}

// DB exposes the handle for health checks.
func (s *TranscriptStore) DB() *sql.DB { return s.db }

// Reset moves the key's rows under "<key>#corrupt-<unix nanos>".
func (s *TranscriptStore) Reset(ctx context.Context, key string) error {
	aside := fmt.Sprintf("%s#corrupt-%d", key, time.Now().UnixNano())
	if _, err := s.db.ExecContext(ctx, `UPDATE transcript_entries SET session_key = ? WHERE session_key = ?`, aside, key); err != nil {
		return fmt.Errorf("reset transcript: %w", err)
	}
	return nil
}

func (s *TranscriptStore) Close() error { return s.db.Close() }
