package cmd

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/clawlane/internal/config"
	"github.com/nextlevelbuilder/clawlane/internal/store"
)

func TestOpenTranscriptStore(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		cfg     config.StoreConfig
		wantErr bool
	}{
		{"file", config.StoreConfig{Backend: "file", Path: filepath.Join(dir, "sessions")}, false},
		{"default backend", config.StoreConfig{Path: filepath.Join(dir, "default")}, false},
		{"sqlite dir", config.StoreConfig{Backend: "sqlite", Path: filepath.Join(dir, "db")}, false},
		{"memory", config.StoreConfig{Backend: "memory"}, false},
		{"postgres without dsn", config.StoreConfig{Backend: "postgres"}, true},
		{"unknown", config.StoreConfig{Backend: "redis"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := openTranscriptStore(tt.cfg)
			if tt.wantErr {
				if err == nil {
					st.Close()
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer st.Close()

			ctx := context.Background()
			if err := st.AppendTurn(ctx, "agent:main:gateway:direct:op", store.TurnRecord{TurnID: "t1", User: "hi", Reply: "hello", Outcome: store.OutcomeFinal}); err != nil {
				t.Fatalf("append: %v", err)
			}
			tr, err := st.LoadTranscript(ctx, "agent:main:gateway:direct:op")
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if turns := tr.Turns(); len(turns) != 1 || turns[0].Reply != "hello" {
				t.Errorf("turns = %+v", turns)
			}
		})
	}
}

func TestMaskKey(t *testing.T) {
	tests := map[string]string{
		"":                 "",
		"short":            "*****",
		"sk-abcdefgh12345": "sk-a********2345",
	}
	for in, want := range tests {
		if got := maskKey(in); got != want {
			t.Errorf("maskKey(%q) = %q, want %q", in, got, want)
		}
	}
}
