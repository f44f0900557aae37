// Package file stores transcripts as one JSON Lines file per session.
package file

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawlane/internal/store"
)

// TranscriptStore appends entries to <dir>/<encoded key>.jsonl.
type TranscriptStore struct {
	dir string
	mu  sync.Mutex
}

func NewTranscriptStore(dir string) (*TranscriptStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	return &TranscriptStore{dir: dir}, nil
}

// pathFor maps a session key to a file name. Keys contain ':' and '%', so
// they are base64url encoded to stay reversible and path safe.
func (s *TranscriptStore) pathFor(key string) string {
	return filepath.Join(s.dir, base64.RawURLEncoding.EncodeToString([]byte(key))+".jsonl")
}

func (s *TranscriptStore) AppendTurn(ctx context.Context, key string, rec store.TurnRecord) error {
	return s.append(ctx, key, store.NewTurnEntry(rec))
}

func (s *TranscriptStore) AppendSummary(ctx context.Context, key string, rec store.SummaryRecord) error {
	return s.append(ctx, key, store.NewSummaryEntry(rec))
}

func (s *TranscriptStore) append(ctx context.Context, key string, e store.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.pathFor(key), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("write transcript: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync transcript: %w", err)
	}
	return f.Close()
}

func (s *TranscriptStore) LoadTranscript(ctx context.Context, key string) (*store.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.pathFor(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	t := &store.Transcript{Key: key}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e store.Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil || !e.Valid() {
			return nil, fmt.Errorf("%w: %s line %d", store.ErrCorrupt, key, lineNo)
		}
		t.Entries = append(t.Entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrCorrupt, err)
	}
	return t, nil
}

// Reset renames the session file to <file>.corrupt-<unix nanos>.
func (s *TranscriptStore) Reset(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pathFor(key)
	aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().UnixNano())
	if err := os.Rename(path, aside); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("set transcript aside: %w", err)
	}
	return nil
}

func (s *TranscriptStore) Close() error { return nil }
