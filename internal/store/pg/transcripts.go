// Package pg stores transcripts in Postgres through the pgx stdlib driver.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/clawlane/internal/store"
)

// OpenDB opens and pings a Postgres connection pool.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// TranscriptStore implements store.TranscriptStore on Postgres. The schema
// comes from the embedded migrations (see MigrateUp).
type TranscriptStore struct {
	db *sql.DB
}

func NewTranscriptStore(db *sql.DB) *TranscriptStore {
	return &TranscriptStore{db: db}
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
		`INSERT INTO transcript_entries (session_key, entry_type, payload) VALUES ($1, $2, $3)`,
		key, string(e.Type), payload)
	if err != nil {
		return fmt.Errorf("insert transcript entry: %w", err)
	}
	return nil
}

func (s *TranscriptStore) LoadTranscript(ctx context.Context, key string) (*store.Transcript, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload FROM transcript_entries WHERE session_key = $1 ORDER BY id`, key)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	t := &store.Transcript{Key: key}
	for rows.Next() {
		var (
			id      int64
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		var e store.Entry
		if err := json.Unmarshal(payload, &e); err != nil || !e.Valid() {
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

func (s *TranscriptStore) DB() *sql.DB { return s.db }

// Reset moves the key's rows under "<key>#corrupt-<unix nanos>".
func (s *TranscriptStore) Reset(ctx context.Context, key string) error {
	aside := fmt.Sprintf("%s#corrupt-%d", key, time.Now().UnixNano())
	if _, err := s.db.ExecContext(ctx, `UPDATE transcript_entries SET session_key = $1 WHERE session_key = $2`, aside, key); err != nil {
		return fmt.Errorf("reset transcript: %w", err)
	}
	return nil
}

func (s *TranscriptStore) Close() error { return s.db.Close() }
