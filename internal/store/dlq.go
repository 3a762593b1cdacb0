package store

import (
	"database/sql"
	"fmt"
	"time"
)

// DLQList returns jobs currently quarantined in the dead-letter queue,
// ordered by id ascending.
func (s *Store) DLQList() ([]*Job, error) {
	return s.List(ListFilter{State: StateDLQ})
}

// DLQRetry atomically moves a dlq job back to pending, resetting attempts,
// claimed_by, and next_run_at to now. It fails if the job is not currently
// in the dlq state.
func (s *Store) DLQRetry(jobID int64) error {
	now := time.Now().Unix()
	res, err := s.db.Exec(`
		UPDATE jobs
		SET state = 'pending',
		    attempts = 0,
		    claimed_by = NULL,
		    claimed_at = NULL,
		    lease_deadline = NULL,
		    next_run_at = ?,
		    updated_at = ?
		WHERE id = ? AND state = 'dlq'
	`, now, now, jobID)
	if err != nil {
		return fmt.Errorf("failed to retry dlq job %d: %w", jobID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read dlq retry result: %w", err)
	}
	if affected == 0 {
		return ErrNotInDLQ
	}
	return nil
}

// ConfigGet reads a config value. It returns an empty string, nil if the
// key does not exist.
func (s *Store) ConfigGet(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read config key %q: %w", key, err)
	}
	return value, nil
}

// ConfigSet upserts a config value, e.g. the workers.stop control flag.
func (s *Store) ConfigSet(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set config key %q: %w", key, err)
	}
	return nil
}

// ConfigAll returns every config entry as a key/value map. The `config get`
// verb reads a single key through ConfigGet, and YAML seeding writes through
// ConfigSet; neither calls ConfigAll.
func (s *Store) ConfigAll() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM config`)
	if err != nil {
		return nil, fmt.Errorf("failed to list config: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan config row: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// StopRequested reports whether the workers.stop control flag is set.
func (s *Store) StopRequested() (bool, error) {
	val, err := s.ConfigGet("workers.stop")
	if err != nil {
		return false, err
	}
	return val == "1", nil
}

// WorkersRegister upserts a worker record on boot. Restarting a worker with
// the same worker_id cleans up any stale row rather than erroring.
func (s *Store) WorkersRegister(workerID string, pid int, now time.Time) error {
	ts := now.Unix()
	_, err := s.db.Exec(`
		INSERT INTO workers (worker_id, pid, started_at, last_heartbeat)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
		    pid = excluded.pid,
		    started_at = excluded.started_at,
		    last_heartbeat = excluded.last_heartbeat
	`, workerID, pid, ts, ts)
	if err != nil {
		return fmt.Errorf("failed to register worker %q: %w", workerID, err)
	}
	return nil
}

// WorkersUnregister deletes a worker record on graceful exit.
func (s *Store) WorkersUnregister(workerID string) error {
	_, err := s.db.Exec(`DELETE FROM workers WHERE worker_id = ?`, workerID)
	if err != nil {
		return fmt.Errorf("failed to unregister worker %q: %w", workerID, err)
	}
	return nil
}

// WorkersHeartbeat updates last_heartbeat for a registered worker.
func (s *Store) WorkersHeartbeat(workerID string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE workers SET last_heartbeat = ? WHERE worker_id = ?`, now.Unix(), workerID)
	if err != nil {
		return fmt.Errorf("failed to heartbeat worker %q: %w", workerID, err)
	}
	return nil
}

// WorkersList returns every registered worker record, used by `status` to
// report the active worker count.
func (s *Store) WorkersList() ([]WorkerRecord, error) {
	rows, err := s.db.Query(`SELECT worker_id, pid, started_at, last_heartbeat FROM workers ORDER BY worker_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	var out []WorkerRecord
	for rows.Next() {
		var w WorkerRecord
		if err := rows.Scan(&w.WorkerID, &w.PID, &w.StartedAt, &w.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("failed to scan worker row: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
