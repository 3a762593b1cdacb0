package migrate

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestMigrateJobs(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test-jobs.db")

	if err := MigrateJobs(dbPath); err != nil {
		t.Fatalf("MigrateJobs failed: %v", err)
	}

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	for _, table := range []string{"jobs", "workers", "config"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Fatalf("%s table does not exist: %v", table, err)
		}
	}

	var count int
	err = db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = '001_init.sql'").Scan(&count)
	if err != nil {
		t.Fatalf("failed to query schema_migrations: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 migration entry, got %d", count)
	}

	var defaultRetries string
	err = db.QueryRow("SELECT value FROM config WHERE key = 'default_max_retries'").Scan(&defaultRetries)
	if err != nil {
		t.Fatalf("failed to query seeded config: %v", err)
	}
	if defaultRetries != "3" {
		t.Errorf("expected default_max_retries seed '3', got %q", defaultRetries)
	}
}

func TestMigrationIdempotency(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test-idempotent.db")

	if err := MigrateJobs(dbPath); err != nil {
		t.Fatalf("first MigrateJobs failed: %v", err)
	}
	if err := MigrateJobs(dbPath); err != nil {
		t.Fatalf("second MigrateJobs failed: %v", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("failed to query schema_migrations: %v", err)
	}

	entries, err := jobsMigrations.ReadDir("sql/jobs")
	if err != nil {
		t.Fatalf("failed to read embedded migrations: %v", err)
	}
	expected := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			expected++
		}
	}
	if count != expected {
		t.Errorf("expected %d migration entries after two runs, got %d", expected, count)
	}

	var configRows int
	if err := db.QueryRow("SELECT COUNT(*) FROM config").Scan(&configRows); err != nil {
		t.Fatalf("failed to count config rows: %v", err)
	}
	if configRows != 7 {
		t.Errorf("expected 7 seeded config rows, got %d", configRows)
	}
}

func TestJobsTableConstraints(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test-schema.db")

	if err := MigrateJobs(dbPath); err != nil {
		t.Fatalf("MigrateJobs failed: %v", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	_, err = db.Exec(`
		INSERT INTO jobs (command, state, attempts, max_retries, next_run_at, created_at, updated_at)
		VALUES ('echo ok', 'pending', 0, 3, 0, 0, 0)
	`)
	if err != nil {
		t.Fatalf("failed to insert test job: %v", err)
	}

	var id int64
	err = db.QueryRow("SELECT id FROM jobs WHERE command = 'echo ok'").Scan(&id)
	if err != nil {
		t.Fatalf("failed to query test job: %v", err)
	}
	if id == 0 {
		t.Error("expected autoincremented job id to be non-zero")
	}
}
