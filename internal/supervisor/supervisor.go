// Package supervisor spawns worker processes, tracks their identities, and
// propagates shutdown across a pool of N workers.
package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/kjanssen/workq/internal/store"
)

// ProcessRecord is one spawned worker's identity, persisted to the registry
// file so `worker stop` (a separate CLI invocation) can find it.
type ProcessRecord struct {
	WorkerID string `json:"worker_id"`
	PID      int    `json:"pid"`
}

// Spawn starts count worker subprocesses, each running
// "<exePath> worker run-one --id <uuid> --db <dbPath>", and appends their
// identities to the registry file at registryPath. It returns after
// spawning; it does not wait for the workers to exit.
func Spawn(exePath, dbPath, registryPath string, count int, logPath string) ([]ProcessRecord, error) {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open worker log file: %w", err)
	}
	defer logFile.Close()

	existing, err := readRegistry(registryPath)
	if err != nil {
		return nil, err
	}

	var spawned []ProcessRecord
	for i := 0; i < count; i++ {
		workerID := uuid.New().String()
		proc := exec.Command(exePath, "worker", "run-one", "--id", workerID, "--db", dbPath)
		proc.Stdout = logFile
		proc.Stderr = logFile
		proc.Env = os.Environ()

		if err := proc.Start(); err != nil {
			return spawned, fmt.Errorf("failed to start worker %s: %w", workerID, err)
		}
		spawned = append(spawned, ProcessRecord{WorkerID: workerID, PID: proc.Process.Pid})

		// Detach: the supervisor does not wait on the child.
		_ = proc.Process.Release()
	}

	if err := writeRegistry(registryPath, append(existing, spawned...)); err != nil {
		return spawned, err
	}
	return spawned, nil
}

// Stop sets the workers.stop control flag and returns immediately: workers
// observe the flag on their next poll tick and exit on their own. It does
// not wait for them to actually exit -- see Reap for that.
func Stop(s *store.Store) error {
	if err := s.ConfigSet("workers.stop", "1"); err != nil {
		return fmt.Errorf("failed to set stop flag: %w", err)
	}
	return nil
}

// Reap waits up to gracePeriod for every registered worker to unregister
// itself, then force-kills any stragglers and clears the registry. Intended
// to run out-of-band from the `worker stop` call that returns immediately
// (e.g. as its own detached subprocess, the same way Spawn detaches
// workers) so an operator's shell is never blocked on it. A force-killed
// worker leaves its claimed job to be reclaimed by lease expiry, so this is
// a safe last resort rather than a correctness requirement.
func Reap(s *store.Store, registryPath string, gracePeriod time.Duration) error {
	deadline := time.Now().Add(gracePeriod)
	for time.Now().Before(deadline) {
		workers, err := s.WorkersList()
		if err != nil {
			return fmt.Errorf("failed to list workers: %w", err)
		}
		if len(workers) == 0 {
			return clearRegistry(registryPath)
		}
		time.Sleep(100 * time.Millisecond)
	}

	records, err := readRegistry(registryPath)
	if err != nil {
		return err
	}
	for _, rec := range records {
		proc, err := os.FindProcess(rec.PID)
		if err != nil {
			continue
		}
		_ = proc.Signal(syscall.SIGKILL)
	}
	return clearRegistry(registryPath)
}

// Clear the stop flag so a subsequent `worker start` does not immediately
// observe it and exit.
func ResetStopFlag(s *store.Store) error {
	return s.ConfigSet("workers.stop", "0")
}

// SpawnReaper launches "<exePath> worker reap --db <dbPath> --registry
// <registryPath> --grace <gracePeriod>" as a detached subprocess and
// returns immediately, the same way Spawn detaches workers. This is what
// lets `worker stop` return without blocking the caller on the grace-period
// wait.
func SpawnReaper(exePath, dbPath, registryPath string, gracePeriod time.Duration, logPath string) error {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open worker log file: %w", err)
	}
	defer logFile.Close()

	proc := exec.Command(exePath, "worker", "reap",
		"--db", dbPath,
		"--registry", registryPath,
		"--grace", gracePeriod.String(),
	)
	proc.Stdout = logFile
	proc.Stderr = logFile
	proc.Env = os.Environ()

	if err := proc.Start(); err != nil {
		return fmt.Errorf("failed to start reaper: %w", err)
	}
	_ = proc.Process.Release()
	return nil
}

func readRegistry(path string) ([]ProcessRecord, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read worker registry: %w", err)
	}
	var records []ProcessRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse worker registry: %w", err)
	}
	return records, nil
}

func writeRegistry(path string, records []ProcessRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode worker registry: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write worker registry: %w", err)
	}
	return nil
}

func clearRegistry(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear worker registry: %w", err)
	}
	return nil
}
