package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nextlevelbuilder/clawlane/internal/config"
	"github.com/nextlevelbuilder/clawlane/internal/store"
	"github.com/nextlevelbuilder/clawlane/internal/store/file"
	"github.com/nextlevelbuilder/clawlane/internal/store/pg"
	"github.com/nextlevelbuilder/clawlane/internal/store/sqlite"
)

// openTranscriptStore builds the configured transcript backend. The
// postgres backend applies pending migrations before use.
func openTranscriptStore(cfg config.StoreConfig) (store.TranscriptStore, error) {
	path := config.ExpandHome(cfg.Path)

	switch cfg.Backend {
	case "", "file":
		st, err := file.NewTranscriptStore(path)
		if err != nil {
			return nil, err
		}
		slog.Info("store.opened", "backend", "file", "dir", path)
		return st, nil

	case "sqlite":
		if filepath.Ext(path) == "" {
			path = filepath.Join(path, "transcripts.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		st, err := sqlite.Open(path)
		if err != nil {
			return nil, err
		}
		slog.Info("store.opened", "backend", "sqlite", "path", path)
		return st, nil

	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres backend needs CLAWLANE_POSTGRES_DSN")
		}
		v, err := pg.MigrateUp(cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		db, err := pg.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		slog.Info("store.opened", "backend", "postgres", "schema", v)
		return pg.NewTranscriptStore(db), nil

	case "memory":
		slog.Warn("store.opened", "backend", "memory", "hint", "transcripts are lost on restart")
		return store.NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
