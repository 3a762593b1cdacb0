// Package store implements the durable job queue's only persistent-state
// surface: the jobs, workers, and config tables, and the atomic claim/settle
// primitives that let concurrent workers compete for jobs without losing or
// duplicating work.
package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Store wraps the job-queue database. All mutation goes through it; it is
// the only component that touches persistent state.
type Store struct {
	db *sql.DB
}

// New wraps an already-open database handle. Callers are expected to open
// the connection with WAL mode, a busy timeout, and _txlock=immediate so
// that every transaction opened here takes the write lock up front --- this
// is what makes ClaimOne's select-then-update critical section atomic on an
// engine that lacks a single-statement UPDATE ... RETURNING claim.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Enqueue inserts a new job in the pending state, ready to run immediately.
// maxRetries of 0 falls back to the configured default_max_retries.
func (s *Store) Enqueue(command string, maxRetries int) (int64, error) {
	if maxRetries <= 0 {
		var err error
		maxRetries, err = s.defaultMaxRetries()
		if err != nil {
			return 0, err
		}
	}

	now := time.Now().Unix()
	res, err := s.db.Exec(`
		INSERT INTO jobs (command, state, attempts, max_retries, next_run_at, created_at, updated_at)
		VALUES (?, 'pending', 0, ?, ?, ?, ?)
	`, command, maxRetries, now, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue job: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted job id: %w", err)
	}
	return id, nil
}

func (s *Store) defaultMaxRetries() (int, error) {
	val, err := s.ConfigGet("default_max_retries")
	if err != nil || val == "" {
		return 3, nil
	}
	var n int
	if _, scanErr := fmt.Sscanf(val, "%d", &n); scanErr != nil || n <= 0 {
		return 3, nil
	}
	return n, nil
}

// ClaimOne is the central concurrency primitive: it atomically selects the
// row with the earliest next_run_at (ties broken by lowest id) that is either
// pending-and-due or running-with-an-expired lease, and transitions it to running under workerID's ownership. At most
// one caller wins per row under concurrent execution. Returns (nil, nil)
// when nothing is claimable.
func (s *Store) ClaimOne(workerID string, now time.Time, leaseDuration time.Duration) (*Job, error) {
	nowTS := now.Unix()
	deadline := now.Add(leaseDuration).Unix()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRow(`
		SELECT id FROM jobs
		WHERE (state = 'pending' AND next_run_at <= ?)
		   OR (state = 'running' AND lease_deadline <= ?)
		ORDER BY next_run_at ASC, id ASC
		LIMIT 1
	`, nowTS, nowTS).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan claimable job: %w", err)
	}

	res, err := tx.Exec(`
		UPDATE jobs
		SET state = 'running',
		    claimed_by = ?,
		    claimed_at = ?,
		    lease_deadline = ?,
		    updated_at = ?
		WHERE id = ?
		  AND ((state = 'pending' AND next_run_at <= ?)
		       OR (state = 'running' AND lease_deadline <= ?))
	`, workerID, nowTS, deadline, nowTS, id, nowTS, nowTS)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read claim result: %w", err)
	}
	if affected == 0 {
		// Conflict: another actor claimed or settled this row between the
		// select and the update. Expected under concurrency; the caller
		// retries on its next poll tick.
		return nil, tx.Commit()
	}

	job, err := s.scanJobByID(tx, id)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim transaction: %w", err)
	}
	return job, nil
}

// SettleSuccess transitions a running job to completed, incrementing
// attempts and clearing its lease. It is a no-op guarded by claimed_by: if the lease was stolen in the
// meantime, ErrLeaseStolen is returned and the reclaiming worker now owns
// the outcome.
func (s *Store) SettleSuccess(jobID int64, workerID string) error {
	now := time.Now().Unix()
	res, err := s.db.Exec(`
		UPDATE jobs
		SET state = 'completed',
		    attempts = attempts + 1,
		    claimed_by = NULL,
		    claimed_at = NULL,
		    lease_deadline = NULL,
		    last_error = NULL,
		    updated_at = ?
		WHERE id = ? AND state = 'running' AND claimed_by = ?
	`, now, jobID, workerID)
	if err != nil {
		return fmt.Errorf("failed to settle success for job %d: %w", jobID, err)
	}
	return checkLeaseHeld(res)
}

// SettleFailure transitions a running job to either pending (with a new
// next_run_at) or dlq, incrementing attempts and recording lastError. The
// caller (the retry policy) decides toDLQ and nextRunAt; this method only
// applies the transition, guarded by claimed_by the same way SettleSuccess
// is.
func (s *Store) SettleFailure(jobID int64, workerID, lastError string, nextRunAt time.Time, toDLQ bool) error {
	now := time.Now().Unix()
	nextState := StatePending
	if toDLQ {
		nextState = StateDLQ
	}

	res, err := s.db.Exec(`
		UPDATE jobs
		SET state = ?,
		    attempts = attempts + 1,
		    next_run_at = ?,
		    claimed_by = NULL,
		    claimed_at = NULL,
		    lease_deadline = NULL,
		    last_error = ?,
		    updated_at = ?
		WHERE id = ? AND state = 'running' AND claimed_by = ?
	`, nextState, nextRunAt.Unix(), lastError, now, jobID, workerID)
	if err != nil {
		return fmt.Errorf("failed to settle failure for job %d: %w", jobID, err)
	}
	return checkLeaseHeld(res)
}

// Heartbeat extends a job's lease while execution is in progress. It is a
// no-op if the claim has been stolen (the worker logs and abandons; it does
// not treat this as fatal, since the reclaiming worker now owns the job).
func (s *Store) Heartbeat(jobID int64, workerID string, newDeadline time.Time) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`
		UPDATE jobs
		SET lease_deadline = ?, updated_at = ?
		WHERE id = ? AND state = 'running' AND claimed_by = ?
	`, newDeadline.Unix(), now, jobID, workerID)
	if err != nil {
		return fmt.Errorf("failed to heartbeat job %d: %w", jobID, err)
	}
	return nil
}

func checkLeaseHeld(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read settle result: %w", err)
	}
	if affected == 0 {
		return ErrLeaseStolen
	}
	return nil
}

// CountsByState scans the jobs table for the status command.
func (s *Store) CountsByState() (StateCounts, error) {
	rows, err := s.db.Query(`SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs by state: %w", err)
	}
	defer rows.Close()

	counts := make(StateCounts)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan state count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// Get reads a single job by id.
func (s *Store) Get(jobID int64) (*Job, error) {
	row := s.db.QueryRow(`
		SELECT id, command, state, attempts, max_retries, next_run_at,
		       claimed_by, claimed_at, lease_deadline, last_error,
		       created_at, updated_at
		FROM jobs WHERE id = ?
	`, jobID)
	job := &Job{}
	err := row.Scan(
		&job.ID, &job.Command, &job.State, &job.Attempts, &job.MaxRetries, &job.NextRunAt,
		&job.ClaimedBy, &job.ClaimedAt, &job.LeaseDeadline, &job.LastError,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %d: %w", jobID, err)
	}
	return job, nil
}

// ListFilter narrows List to jobs in a particular state. An empty State
// matches every job.
type ListFilter struct {
	State string
}

// List returns jobs ordered by id ascending, optionally filtered by state.
func (s *Store) List(filter ListFilter) ([]*Job, error) {
	query := `
		SELECT id, command, state, attempts, max_retries, next_run_at,
		       claimed_by, claimed_at, lease_deadline, last_error,
		       created_at, updated_at
		FROM jobs
	`
	var args []interface{}
	if filter.State != "" {
		query += " WHERE state = ?"
		args = append(args, filter.State)
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// scanJobByID re-reads a job row inside an in-flight transaction, used by
// ClaimOne to return the post-update row without a second round trip to the
// pool.
func (s *Store) scanJobByID(tx *sql.Tx, id int64) (*Job, error) {
	row := tx.QueryRow(`
		SELECT id, command, state, attempts, max_retries, next_run_at,
		       claimed_by, claimed_at, lease_deadline, last_error,
		       created_at, updated_at
		FROM jobs WHERE id = ?
	`, id)
	job := &Job{}
	err := row.Scan(
		&job.ID, &job.Command, &job.State, &job.Attempts, &job.MaxRetries, &job.NextRunAt,
		&job.ClaimedBy, &job.ClaimedAt, &job.LeaseDeadline, &job.LastError,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan claimed job %d: %w", id, err)
	}
	return job, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJobRow(r rowScanner) (*Job, error) {
	job := &Job{}
	err := r.Scan(
		&job.ID, &job.Command, &job.State, &job.Attempts, &job.MaxRetries, &job.NextRunAt,
		&job.ClaimedBy, &job.ClaimedAt, &job.LeaseDeadline, &job.LastError,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan job row: %w", err)
	}
	return job, nil
}
