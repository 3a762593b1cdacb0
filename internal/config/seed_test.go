package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadSeed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.yaml")
	content := "base_backoff_seconds: 3\nmax_backoff_seconds: 1800\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write seed file: %v", err)
	}

	got, err := LoadSeed(path)
	if err != nil {
		t.Fatalf("LoadSeed failed: %v", err)
	}

	if got["base_backoff_seconds"] != "3" {
		t.Errorf("expected base_backoff_seconds=3, got %q", got["base_backoff_seconds"])
	}
	if got["max_backoff_seconds"] != "1800" {
		t.Errorf("expected max_backoff_seconds=1800, got %q", got["max_backoff_seconds"])
	}
	if _, ok := got["poll_interval_ms"]; ok {
		t.Error("expected poll_interval_ms to be absent when unset in seed file")
	}
}
