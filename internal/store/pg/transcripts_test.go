package pg

import (
	"os"
	"testing"

	"github.com/nextlevelbuilder/clawlane/internal/store"
	"github.com/nextlevelbuilder/clawlane/internal/store/storetest"
)

// Runs only against a disposable database named by CLAWLANE_TEST_POSTGRES_DSN.
func TestTranscriptStore(t *testing.T) {
	dsn := os.Getenv("CLAWLANE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CLAWLANE_TEST_POSTGRES_DSN not set")
	}
	if _, err := MigrateUp(dsn); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}
	db, err := OpenDB(dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	storetest.Run(t, func(t *testing.T) store.TranscriptStore {
		if _, err := db.Exec(`TRUNCATE transcript_entries`); err != nil {
			t.Fatal(err)
		}
		return NewTranscriptStore(db)
	})
}

func TestEmbeddedMigrations(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) < 2 || len(entries)%2 != 0 {
		t.Errorf("migrations = %d files, want up/down pairs", len(entries))
	}
}
