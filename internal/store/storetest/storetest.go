// Package storetest holds the behaviour every store.TranscriptStore backend
// must share.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/nextlevelbuilder/clawlane/internal/providers"
	"github.com/nextlevelbuilder/clawlane/internal/store"
)

// Run exercises a backend. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.TranscriptStore) {
	t.Run("missing key", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.LoadTranscript(context.Background(), "agent:a:::main:main"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("LoadTranscript(missing) err = %v, want ErrNotFound", err)
		}
	})

	t.Run("append and load in order", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := "agent:a:telegram:bot:peer:42"

		for i, text := range []string{"one", "two", "three"} {
			err := s.AppendTurn(ctx, key, store.TurnRecord{
				TurnID: text, User: "u-" + text, Reply: "r-" + text,
				Outcome: store.OutcomeFinal, Usage: &providers.Usage{TotalTokens: i + 1},
			})
			if err != nil {
				t.Fatalf("AppendTurn(%s): %v", text, err)
			}
		}
		if err := s.AppendSummary(ctx, key, store.SummaryRecord{TurnID: "four", Text: "one and two happened", Covers: 2}); err != nil {
			t.Fatalf("AppendSummary: %v", err)
		}
		if err := s.AppendTurn(ctx, key, store.TurnRecord{TurnID: "four", User: "u-four", Reply: "partial", Outcome: store.OutcomeAborted}); err != nil {
			t.Fatal(err)
		}

		tr, err := s.LoadTranscript(ctx, key)
		if err != nil {
			t.Fatalf("LoadTranscript: %v", err)
		}
		turns := tr.Turns()
		if len(turns) != 4 || turns[0].TurnID != "one" || turns[3].Outcome != store.OutcomeAborted {
			t.Fatalf("Turns() = %+v", turns)
		}
		if turns[2].Usage == nil || turns[2].Usage.TotalTokens != 3 {
			t.Errorf("usage not persisted: %+v", turns[2].Usage)
		}

		summary, active := tr.Active()
		if summary != "one and two happened" {
			t.Errorf("summary = %q", summary)
		}
		if len(active) != 2 || active[0].TurnID != "three" {
			t.Errorf("active = %+v, want turns three and four", active)
		}
	})

	t.Run("keys are isolated", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_ = s.AppendTurn(ctx, "k1", store.TurnRecord{TurnID: "a"})
		_ = s.AppendTurn(ctx, "k2", store.TurnRecord{TurnID: "b"})
		tr, err := s.LoadTranscript(ctx, "k1")
		if err != nil {
			t.Fatal(err)
		}
		if got := tr.Turns(); len(got) != 1 || got[0].TurnID != "a" {
			t.Errorf("k1 turns = %+v", got)
		}
	})

	t.Run("reset sets the transcript aside", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := "agent:a:discord:app:group:9"
		if err := s.Reset(ctx, key); err != nil {
			t.Fatalf("Reset(missing) = %v", err)
		}
		_ = s.AppendTurn(ctx, key, store.TurnRecord{TurnID: "before"})
		if err := s.Reset(ctx, key); err != nil {
			t.Fatalf("Reset: %v", err)
		}
		if _, err := s.LoadTranscript(ctx, key); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("LoadTranscript after Reset err = %v, want ErrNotFound", err)
		}
		_ = s.AppendTurn(ctx, key, store.TurnRecord{TurnID: "after"})
		tr, err := s.LoadTranscript(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		if got := tr.Turns(); len(got) != 1 || got[0].TurnID != "after" {
			t.Errorf("turns after Reset = %+v", got)
		}
	})
}
