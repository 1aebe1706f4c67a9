package sqlitemigrate

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "migrate.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return sqlDB
}

func TestApplyRunsMigrationsInOrder(t *testing.T) {
	sqlDB := openTestDB(t)
	migrations := fstest.MapFS{
		"0002_add_column.sql": {Data: []byte("ALTER TABLE notes ADD COLUMN body TEXT;")},
		"0001_init.sql":       {Data: []byte("CREATE TABLE notes (id TEXT PRIMARY KEY);")},
	}

	if err := Apply(context.Background(), sqlDB, migrations); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	if _, err := sqlDB.Exec("INSERT INTO notes (id, body) VALUES ('n1', 'hello')"); err != nil {
		t.Fatalf("expected migrated schema, got %v", err)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	sqlDB := openTestDB(t)
	migrations := fstest.MapFS{
		"0001_init.sql": {Data: []byte("CREATE TABLE notes (id TEXT PRIMARY KEY);")},
	}

	if err := Apply(context.Background(), sqlDB, migrations); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := Apply(context.Background(), sqlDB, migrations); err != nil {
		t.Fatalf("second apply: %v", err)
	}

	var count int
	if err := sqlDB.QueryRow("SELECT COUNT(1) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 1 {
		t.Fatalf("applied migrations = %d, want 1", count)
	}
}
