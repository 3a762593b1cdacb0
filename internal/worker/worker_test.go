package worker

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/google/uuid"
	"github.com/kjanssen/workq/internal/migrate"
	"github.com/kjanssen/workq/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	tmpFile, err := os.CreateTemp("", "workq-worker-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	if err := migrate.MigrateJobs(tmpFile.Name()); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	db, err := sql.Open("sqlite3", tmpFile.Name()+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return store.New(db)
}

func TestWorker_HappyPath(t *testing.T) {
	s := setupTestStore(t)
	if err := s.ConfigSet("poll_interval_ms", "20"); err != nil {
		t.Fatalf("failed to set poll interval: %v", err)
	}
	if err := s.ConfigSet("lease_duration_seconds", "5"); err != nil {
		t.Fatalf("failed to set lease duration: %v", err)
	}

	id, err := s.Enqueue("echo ok", 3)
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	w := New(s, uuid.New().String())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := s.Get(id)
		if err != nil {
			t.Fatalf("failed to read job: %v", err)
		}
		if job.State == store.StateCompleted {
			if job.Attempts != 1 {
				t.Errorf("expected 1 attempt, got %d", job.Attempts)
			}
			cancel()
			<-done
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	t.Fatal("job never reached completed state")
}

func TestWorker_HonorsExecTimeoutSeconds(t *testing.T) {
	s := setupTestStore(t)
	if err := s.ConfigSet("poll_interval_ms", "20"); err != nil {
		t.Fatalf("failed to set poll interval: %v", err)
	}
	if err := s.ConfigSet("lease_duration_seconds", "60"); err != nil {
		t.Fatalf("failed to set lease duration: %v", err)
	}
	if err := s.ConfigSet("exec_timeout_seconds", "1"); err != nil {
		t.Fatalf("failed to set exec timeout: %v", err)
	}

	id, err := s.Enqueue("sleep 30", 0)
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	w := New(s, uuid.New().String())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := s.Get(id)
		if err != nil {
			t.Fatalf("failed to read job: %v", err)
		}
		if job.State == store.StatePending && job.Attempts >= 1 {
			if job.LastError.String == "" {
				t.Error("expected a last_error diagnostic after timeout")
			}
			cancel()
			<-done
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	t.Fatal("job never failed via exec_timeout_seconds before the 60s lease would have expired")
}

func TestWorker_StopFlagExitsCleanly(t *testing.T) {
	s := setupTestStore(t)
	if err := s.ConfigSet("poll_interval_ms", "10"); err != nil {
		t.Fatalf("failed to set poll interval: %v", err)
	}
	if err := s.ConfigSet("workers.stop", "1"); err != nil {
		t.Fatalf("failed to set stop flag: %v", err)
	}

	w := New(s, uuid.New().String())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := w.Run(ctx)
	if err != nil {
		t.Fatalf("expected clean exit, got error: %v", err)
	}

	workers, err := s.WorkersList()
	if err != nil {
		t.Fatalf("failed to list workers: %v", err)
	}
	if len(workers) != 0 {
		t.Errorf("expected worker to unregister on stop, found %d records", len(workers))
	}
}
