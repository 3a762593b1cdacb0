package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kjanssen/workq/internal/migrate"
)

func TestVersionInfo(t *testing.T) {
	if version == "" {
		t.Error("version should not be empty")
	}
}

func TestResolveDBPath_FlagOverridesEnv(t *testing.T) {
	t.Setenv("WORKQ_DB_PATH", "/tmp/env-path.db")
	dbFlag = "/tmp/flag-path.db"
	defer func() { dbFlag = "" }()

	if got := resolveDBPath(); got != "/tmp/flag-path.db" {
		t.Errorf("expected --db flag to win, got %q", got)
	}
}

func TestResolveDBPath_FallsBackToEnv(t *testing.T) {
	t.Setenv("WORKQ_DB_PATH", "/tmp/env-path.db")
	dbFlag = ""

	if got := resolveDBPath(); got != "/tmp/env-path.db" {
		t.Errorf("expected WORKQ_DB_PATH fallback, got %q", got)
	}
}

func TestOpenStore_EnqueueRoundTrip(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "workq.db")

	if err := migrate.MigrateJobs(dbPath); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	s, closeDB, err := openStore(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer closeDB()

	id, err := s.Enqueue("echo ok", 3)
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if id <= 0 {
		t.Errorf("expected a positive job id, got %d", id)
	}

	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("expected database file to exist: %v", err)
	}
}
