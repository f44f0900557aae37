package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/clawlane/internal/store"
	"github.com/nextlevelbuilder/clawlane/internal/store/storetest"
)

func TestTranscriptStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.TranscriptStore {
		s, err := NewTranscriptStore(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		return s
	})
}

func TestCorruptTranscript(t *testing.T) {
	s, err := NewTranscriptStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	key := "agent:a:discord:g:group:123"
	if err := s.AppendTurn(ctx, key, store.TurnRecord{TurnID: "1"}); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(s.pathFor(key), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{not json\n")
	f.Close()

	if _, err := s.LoadTranscript(ctx, key); !errors.Is(err, store.ErrCorrupt) {
		t.Errorf("LoadTranscript err = %v, want ErrCorrupt", err)
	}

	if err := s.Reset(ctx, key); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	aside, _ := filepath.Glob(s.pathFor(key) + ".corrupt-*")
	if len(aside) != 1 {
		t.Errorf("files set aside = %v, want one", aside)
	}
	if _, err := s.LoadTranscript(ctx, key); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("LoadTranscript after Reset err = %v, want ErrNotFound", err)
	}
}
