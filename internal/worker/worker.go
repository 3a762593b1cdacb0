// Package worker implements a single queue worker's lifecycle: register,
// poll, claim, execute, settle, repeat. One worker is one OS process; the
// Supervisor spawns N of these as subprocesses rather than running N
// goroutines inside a single process.
package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/kjanssen/workq/internal/executor"
	"github.com/kjanssen/workq/internal/retry"
	"github.com/kjanssen/workq/internal/store"
)

// safetyMargin bounds the executor timeout below the lease duration so a
// slow-but-successful job still has time to settle before its lease could
// expire and be reclaimed out from under it.
const safetyMargin = 2 * time.Second

// Worker runs the poll/claim/execute/settle loop for a single worker
// identity until the stop flag is observed or its context is cancelled.
type Worker struct {
	store *store.Store
	id    string
	pid   int
}

// New constructs a worker bound to a stable worker_id. Callers typically
// generate id with uuid.New().String() (see internal/supervisor).
func New(s *store.Store, id string) *Worker {
	return &Worker{store: s, id: id, pid: os.Getpid()}
}

// ID returns this worker's stable identity.
func (w *Worker) ID() string { return w.id }

// Run registers the worker, then loops: Idle -> Claiming -> Executing ->
// Settling -> Idle, with Exiting reachable from Idle when workers.stop is
// observed. No transition from Executing to Exiting exists directly: a
// worker always finishes its current job (up to lease expiry) before
// exiting.
func (w *Worker) Run(ctx context.Context) error {
	now := time.Now()
	if err := w.store.WorkersRegister(w.id, w.pid, now); err != nil {
		return fmt.Errorf("worker %s: failed to register: %w", w.id, err)
	}
	log.Printf("worker %s: registered (pid %d)", w.id, w.pid)

	defer func() {
		if err := w.store.WorkersUnregister(w.id); err != nil {
			log.Printf("worker %s: failed to unregister: %v", w.id, err)
		}
	}()

	for {
		if ctx.Err() != nil {
			log.Printf("worker %s: context cancelled, exiting", w.id)
			return nil
		}

		stop, err := w.store.StopRequested()
		if err != nil {
			return fmt.Errorf("worker %s: storage error checking stop flag: %w", w.id, err)
		}
		if stop {
			log.Printf("worker %s: observed stop flag, exiting", w.id)
			return nil
		}

		cfg, err := w.loadConfig()
		if err != nil {
			return fmt.Errorf("worker %s: storage error loading config: %w", w.id, err)
		}

		job, err := w.store.ClaimOne(w.id, time.Now(), cfg.leaseDuration)
		if err != nil {
			return fmt.Errorf("worker %s: storage error claiming job: %w", w.id, err)
		}
		if job == nil {
			time.Sleep(cfg.pollInterval)
			continue
		}

		log.Printf("worker %s: claimed job %d (attempt %d)", w.id, job.ID, job.Attempts+1)
		w.execute(ctx, job.ID, cfg)
	}
}

// execute runs one claimed job to completion: Executing -> Settling.
func (w *Worker) execute(ctx context.Context, jobID int64, cfg workerConfig) {
	leaseCeiling := cfg.leaseDuration - safetyMargin
	if leaseCeiling <= 0 {
		leaseCeiling = cfg.leaseDuration
	}
	execTimeout := cfg.execTimeout
	if execTimeout <= 0 || execTimeout > leaseCeiling {
		execTimeout = leaseCeiling
	}

	command, err := w.jobCommand(jobID)
	if err != nil {
		log.Printf("worker %s: failed to read job %d before execution: %v", w.id, jobID, err)
		return
	}

	heartbeatStop := make(chan struct{})
	heartbeatDone := make(chan struct{})
	go w.heartbeatLoop(jobID, cfg.leaseDuration, heartbeatStop, heartbeatDone)

	result := executor.Run(ctx, command, execTimeout)

	close(heartbeatStop)
	<-heartbeatDone

	if !result.Failed() {
		if err := w.store.SettleSuccess(jobID, w.id); err != nil {
			w.logSettleOutcome(jobID, "success", err)
		} else {
			log.Printf("worker %s: job %d completed", w.id, jobID)
		}
		return
	}

	w.settleFailure(jobID, result, cfg)
}

func (w *Worker) settleFailure(jobID int64, result executor.Result, cfg workerConfig) {
	job, err := w.store.Get(jobID)
	if err != nil {
		log.Printf("worker %s: failed to read job %d attempts before settling failure: %v", w.id, jobID, err)
		return
	}

	attemptsAfter := job.Attempts + 1
	policy := retry.Policy{
		BaseBackoffSeconds: cfg.baseBackoffSeconds,
		MaxBackoffSeconds:  cfg.maxBackoffSeconds,
		MaxRetries:         job.MaxRetries,
	}
	decision := retry.Decide(policy, attemptsAfter, time.Now())

	lastErr := executor.LastError(result)
	err = w.store.SettleFailure(jobID, w.id, lastErr, decision.NextRunAt, decision.ToDLQ)
	if err != nil {
		w.logSettleOutcome(jobID, "failure", err)
		return
	}

	if decision.ToDLQ {
		log.Printf("worker %s: job %d exhausted retries (%d attempts), moved to dlq: %s", w.id, jobID, attemptsAfter, lastErr)
	} else {
		log.Printf("worker %s: job %d failed (attempt %d), retrying at %s: %s", w.id, jobID, attemptsAfter, decision.NextRunAt.Format(time.RFC3339), lastErr)
	}
}

func (w *Worker) logSettleOutcome(jobID int64, outcome string, err error) {
	if err == store.ErrLeaseStolen {
		log.Printf("worker %s: job %d %s settle rejected: lease stolen, abandoning", w.id, jobID, outcome)
		return
	}
	log.Printf("worker %s: job %d %s settle failed: %v", w.id, jobID, outcome, err)
}

// heartbeatLoop extends the job's lease at roughly a third of the lease
// duration while the executor runs, independent of the claim path.
func (w *Worker) heartbeatLoop(jobID int64, leaseDuration time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := leaseDuration / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(leaseDuration)
			if err := w.store.Heartbeat(jobID, w.id, deadline); err != nil {
				log.Printf("worker %s: heartbeat for job %d failed: %v", w.id, jobID, err)
			}
		}
	}
}

func (w *Worker) jobCommand(jobID int64) (string, error) {
	job, err := w.store.Get(jobID)
	if err != nil {
		return "", err
	}
	return job.Command, nil
}

type workerConfig struct {
	pollInterval       time.Duration
	baseBackoffSeconds int64
	maxBackoffSeconds  int64
	leaseDuration      time.Duration
	execTimeout        time.Duration
}

// loadConfig re-reads the queue's config table on every tick, so tunable
// changes take effect within one poll_interval_ms.
func (w *Worker) loadConfig() (workerConfig, error) {
	pollMS, err := w.configInt("poll_interval_ms", 500)
	if err != nil {
		return workerConfig{}, err
	}
	base, err := w.configInt("base_backoff_seconds", 2)
	if err != nil {
		return workerConfig{}, err
	}
	maxBackoff, err := w.configInt("max_backoff_seconds", 3600)
	if err != nil {
		return workerConfig{}, err
	}
	leaseSec, err := w.configInt("lease_duration_seconds", 60)
	if err != nil {
		return workerConfig{}, err
	}
	execTimeoutSec, err := w.configInt("exec_timeout_seconds", 30)
	if err != nil {
		return workerConfig{}, err
	}

	return workerConfig{
		pollInterval:       time.Duration(pollMS) * time.Millisecond,
		baseBackoffSeconds: int64(base),
		maxBackoffSeconds:  int64(maxBackoff),
		leaseDuration:      time.Duration(leaseSec) * time.Second,
		execTimeout:        time.Duration(execTimeoutSec) * time.Second,
	}, nil
}

func (w *Worker) configInt(key string, fallback int) (int, error) {
	val, err := w.store.ConfigGet(key)
	if err != nil {
		return 0, err
	}
	if val == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback, nil
	}
	return n, nil
}
