// Package store persists session transcripts: the append-only record of
// completed turns and compaction summaries for each session key.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nextlevelbuilder/clawlane/internal/providers"
)

var (
	// ErrNotFound means no transcript exists for the key yet.
	ErrNotFound = errors.New("transcript not found")
	// ErrCorrupt means the stored transcript could not be decoded.
	ErrCorrupt = errors.New("transcript corrupt")
)

// Outcome tags how a persisted turn ended.
type Outcome string

const (
	OutcomeFinal   Outcome = "final"
	OutcomeAborted Outcome = "aborted"
	OutcomeError   Outcome = "error"
)

type EntryType string

const (
	EntryTurn    EntryType = "turn"
	EntrySummary EntryType = "summary"
)

// TurnRecord is one user message and the assistant's reply.
type TurnRecord struct {
	TurnID    string           `json:"turnId"`
	User      string           `json:"user"`
	Reply     string           `json:"reply"`
	Outcome   Outcome          `json:"outcome"`
	Usage     *providers.Usage `json:"usage,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}

// SummaryRecord replaces the first Covers turn records in the active
// history. The turn records themselves stay in the transcript.
type SummaryRecord struct {
	TurnID    string    `json:"turnId"`
	Text      string    `json:"text"`
	Covers    int       `json:"covers"`
	CreatedAt time.Time `json:"createdAt"`
}

// Entry is one line of a transcript.
type Entry struct {
	Type    EntryType      `json:"type"`
	Turn    *TurnRecord    `json:"turn,omitempty"`
	Summary *SummaryRecord `json:"summary,omitempty"`
}

// Transcript is the decoded log of one session.
type Transcript struct {
	Key     string  `json:"key"`
	Entries []Entry `json:"entries"`
}

// Turns returns every turn record in order.
func (t *Transcript) Turns() []TurnRecord {
	if t == nil {
		return nil
	}
	var out []TurnRecord
	for _, e := range t.Entries {
		if e.Type == EntryTurn && e.Turn != nil {
			out = append(out, *e.Turn)
		}
	}
	return out
}

// Active returns the newest summary (empty if none) and the turns recorded
// after the point it covers. This is the history fed to the model.
func (t *Transcript) Active() (summary string, turns []TurnRecord) {
	if t == nil {
		return "", nil
	}
	all := t.Turns()
	covers := 0
	for _, e := range t.Entries {
		if e.Type == EntrySummary && e.Summary != nil {
			summary = e.Summary.Text
			covers = e.Summary.Covers
		}
	}
	if covers > len(all) {
		covers = len(all)
	}
	return summary, all[covers:]
}

// Last returns up to n most recent turn records.
func (t *Transcript) Last(n int) []TurnRecord {
	all := t.Turns()
	if n > 0 && len(all) > n {
		return all[len(all)-n:]
	}
	return all
}

// TranscriptStore is implemented by every persistence backend. Each session
// key is written by at most one running turn at a time, so backends only
// guard their own integrity.
type TranscriptStore interface {
	AppendTurn(ctx context.Context, key string, rec TurnRecord) error
	AppendSummary(ctx context.Context, key string, rec SummaryRecord) error
	LoadTranscript(ctx context.Context, key string) (*Transcript, error)
	// Reset sets the key's current transcript aside so the next load finds
	// none. Backends keep the old entries under another name for audit.
	// Resetting a missing key is not an error.
	Reset(ctx context.Context, key string) error
	Close() error
}

// NewTurnEntry and NewSummaryEntry stamp CreatedAt when unset.
func NewTurnEntry(rec TurnRecord) Entry {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return Entry{Type: EntryTurn, Turn: &rec}
}

func NewSummaryEntry(rec SummaryRecord) Entry {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return Entry{Type: EntrySummary, Summary: &rec}
}

// Valid reports whether the entry carries the record its type names.
func (e Entry) Valid() bool {
	switch e.Type {
	case EntryTurn:
		return e.Turn != nil
	case EntrySummary:
		return e.Summary != nil
	}
	return false
}
