package schema

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schema_test.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInitializeCreatesAllTables(t *testing.T) {
	db := openTestDB(t)
	m := New(db, zerolog.Nop())

	if err := m.Initialize(); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	ok, err := m.Validate()
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if !ok {
		t.Fatal("expected schema to validate after initialize")
	}

	version, err := m.CurrentSchemaVersion()
	if err != nil {
		t.Fatal(err)
	}
	if version != CurrentVersion {
		t.Fatalf("expected current version %s, got %s", CurrentVersion, version)
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	m := New(db, zerolog.Nop())

	if err := m.Initialize(); err != nil {
		t.Fatalf("first initialize failed: %v", err)
	}
	if err := m.Initialize(); err != nil {
		t.Fatalf("second initialize should be a no-op, got error: %v", err)
	}
}

func TestNeedsMigrationFalseAfterInitialize(t *testing.T) {
	db := openTestDB(t)
	m := New(db, zerolog.Nop())
	if err := m.Initialize(); err != nil {
		t.Fatal(err)
	}
	needs, err := m.NeedsMigration(CurrentVersion)
	if err != nil {
		t.Fatal(err)
	}
	if needs {
		t.Fatal("expected no migration needed once at CurrentVersion")
	}
}
