package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/kjanssen/workq/internal/config"
	"github.com/kjanssen/workq/internal/dlq"
	"github.com/kjanssen/workq/internal/migrate"
	"github.com/kjanssen/workq/internal/store"
	"github.com/kjanssen/workq/internal/supervisor"
	"github.com/kjanssen/workq/internal/worker"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

// reapGracePeriod is how long `worker stop`'s detached reaper waits for
// workers to unregister themselves before force-killing stragglers.
const reapGracePeriod = 30 * time.Second

// dbFlag is the global --db override, bound to every subcommand through
// rootCmd's persistent flags.
var dbFlag string

func main() {
	rootCmd := &cobra.Command{
		Use:   "workq",
		Short: "workq - a durable local job queue",
		Long: `workq is a durable local job queue backed by an embedded SQLite database.

A pool of worker processes competes for jobs through an atomic claim
protocol, retries failing jobs with exponential backoff, and quarantines
permanently failed jobs into a dead-letter queue.

  workq init                      Create the schema and seed default config
  workq queue add <command>       Enqueue a job
  workq queue list                List jobs
  workq worker start --count N    Spawn N worker processes
  workq worker stop                Signal all workers to stop
  workq status                     Show queue and worker counts
  workq dlq list                   List quarantined jobs
  workq dlq retry <id>              Re-enqueue a quarantined job`,
	}
	rootCmd.PersistentFlags().StringVar(&dbFlag, "db", "", "path to the workq database (default: $WORKQ_DB_PATH or the OS app directory)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(map[string]interface{}{
				"version": version,
				"go":      "1.23",
			})
		},
	}

	var initConfigPath string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create schema and seed default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath := resolveDBPath()
			if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
				return printErrorJSON(fmt.Errorf("failed to create database directory: %w", err))
			}
			if err := migrate.MigrateJobs(dbPath); err != nil {
				return printErrorJSON(fmt.Errorf("failed to initialize schema: %w", err))
			}

			if initConfigPath == "" {
				return printJSON(map[string]interface{}{"ok": true, "db_path": dbPath})
			}

			seed, err := config.LoadSeed(initConfigPath)
			if err != nil {
				return printErrorJSON(err)
			}

			s, closeDB, err := openStore(dbPath)
			if err != nil {
				return printErrorJSON(err)
			}
			defer closeDB()

			for key, val := range seed {
				if err := s.ConfigSet(key, val); err != nil {
					return printErrorJSON(fmt.Errorf("failed to seed config key %q: %w", key, err))
				}
			}

			return printJSON(map[string]interface{}{"ok": true, "db_path": dbPath, "seeded": seed})
		},
	}
	initCmd.Flags().StringVar(&initConfigPath, "config", "", "YAML file of queue tunables to seed after migrating")

	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Enqueue and inspect jobs",
	}

	var queueAddMaxRetries int
	queueAddCmd := &cobra.Command{
		Use:   "add <command>",
		Short: "Enqueue a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeDB, err := openStore(resolveDBPath())
			if err != nil {
				return printErrorJSON(err)
			}
			defer closeDB()

			id, err := s.Enqueue(args[0], queueAddMaxRetries)
			if err != nil {
				return printErrorJSON(err)
			}
			fmt.Printf("Job %d enqueued\n", id)
			return nil
		},
	}
	queueAddCmd.Flags().IntVar(&queueAddMaxRetries, "max-retries", 0, "override default_max_retries for this job")

	var queueListState string
	queueListCmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeDB, err := openStore(resolveDBPath())
			if err != nil {
				return printErrorJSON(err)
			}
			defer closeDB()

			jobs, err := s.List(store.ListFilter{State: queueListState})
			if err != nil {
				return printErrorJSON(err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "id\tstate\tattempts\tnext_run\tcommand")
			for _, job := range jobs {
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n",
					job.ID, job.State, job.Attempts,
					time.Unix(job.NextRunAt, 0).Format(time.RFC3339), job.Command)
			}
			return w.Flush()
		},
	}
	queueListCmd.Flags().StringVar(&queueListState, "state", "", "filter by job state")

	queueCmd.AddCommand(queueAddCmd)
	queueCmd.AddCommand(queueListCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show job counts per state and active worker count",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeDB, err := openStore(resolveDBPath())
			if err != nil {
				return printErrorJSON(err)
			}
			defer closeDB()

			counts, err := s.CountsByState()
			if err != nil {
				return printErrorJSON(err)
			}
			workers, err := s.WorkersList()
			if err != nil {
				return printErrorJSON(err)
			}

			return printJSON(map[string]interface{}{
				"ok":             true,
				"counts":         counts,
				"active_workers": len(workers),
			})
		},
	}

	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and retry dead-lettered jobs",
	}

	dlqListCmd := &cobra.Command{
		Use:   "list",
		Short: "List quarantined jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeDB, err := openStore(resolveDBPath())
			if err != nil {
				return printErrorJSON(err)
			}
			defer closeDB()

			jobs, err := dlq.New(s).List()
			if err != nil {
				return printErrorJSON(err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "id\terror\tcommand")
			for _, job := range jobs {
				fmt.Fprintf(w, "%d\t%s\t%s\n", job.ID, job.LastError.String, job.Command)
			}
			return w.Flush()
		},
	}

	dlqRetryCmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Move a quarantined job back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return printErrorJSON(fmt.Errorf("invalid job id %q: %w", args[0], err))
			}

			s, closeDB, err := openStore(resolveDBPath())
			if err != nil {
				return printErrorJSON(err)
			}
			defer closeDB()

			if err := dlq.New(s).Retry(id); err != nil {
				return printErrorJSON(err)
			}
			return printJSON(map[string]interface{}{"ok": true, "job_id": id, "status": "pending"})
		},
	}

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRetryCmd)

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Spawn and stop worker processes",
	}

	var workerStartCount int
	workerStartCmd := &cobra.Command{
		Use:   "start",
		Short: "Spawn worker processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath := resolveDBPath()
			cfg := config.Load()
			if err := os.MkdirAll(cfg.AppDir, 0755); err != nil {
				return printErrorJSON(fmt.Errorf("failed to create app directory: %w", err))
			}

			s, closeDB, err := openStore(dbPath)
			if err != nil {
				return printErrorJSON(err)
			}
			if err := supervisor.ResetStopFlag(s); err != nil {
				closeDB()
				return printErrorJSON(err)
			}
			closeDB()

			exePath, err := os.Executable()
			if err != nil {
				return printErrorJSON(fmt.Errorf("failed to resolve executable path: %w", err))
			}

			registryPath := filepath.Join(cfg.AppDir, "workers.json")
			logPath := filepath.Join(cfg.AppDir, "workers.log")

			spawned, err := supervisor.Spawn(exePath, dbPath, registryPath, workerStartCount, logPath)
			if err != nil {
				return printErrorJSON(err)
			}

			return printJSON(map[string]interface{}{
				"ok":      true,
				"spawned": spawned,
				"log":     logPath,
			})
		},
	}
	workerStartCmd.Flags().IntVar(&workerStartCount, "count", 1, "number of worker processes to spawn")

	workerStopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Set the stop flag; returns immediately",
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath := resolveDBPath()
			cfg := config.Load()

			s, closeDB, err := openStore(dbPath)
			if err != nil {
				return printErrorJSON(err)
			}
			if err := supervisor.Stop(s); err != nil {
				closeDB()
				return printErrorJSON(err)
			}
			closeDB()

			// The grace-period wait and force-kill happen out-of-band in a
			// detached reaper subprocess, so this call never blocks.
			exePath, err := os.Executable()
			if err != nil {
				return printErrorJSON(fmt.Errorf("failed to resolve executable path: %w", err))
			}
			logPath := filepath.Join(cfg.AppDir, "workers.log")
			registryPath := filepath.Join(cfg.AppDir, "workers.json")
			if err := supervisor.SpawnReaper(exePath, dbPath, registryPath, reapGracePeriod, logPath); err != nil {
				return printErrorJSON(err)
			}

			return printJSON(map[string]interface{}{"ok": true, "status": "stop_requested"})
		},
	}

	var workerReapGrace time.Duration
	var workerReapRegistry string
	workerReapCmd := &cobra.Command{
		Use:    "reap",
		Short:  "Wait for stopped workers to exit and force-kill stragglers (invoked by `worker stop`)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeDB, err := openStore(resolveDBPath())
			if err != nil {
				return printErrorJSON(err)
			}
			defer closeDB()

			if err := supervisor.Reap(s, workerReapRegistry, workerReapGrace); err != nil {
				return printErrorJSON(err)
			}
			return printJSON(map[string]interface{}{"ok": true, "status": "reaped"})
		},
	}
	workerReapCmd.Flags().DurationVar(&workerReapGrace, "grace", reapGracePeriod, "how long to wait for workers to exit before force-killing them")
	workerReapCmd.Flags().StringVar(&workerReapRegistry, "registry", "", "path to the worker registry file")

	var workerRunOneID string
	workerRunOneCmd := &cobra.Command{
		Use:    "run-one",
		Short:  "Run a single worker loop in the foreground (invoked by the supervisor)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if workerRunOneID == "" {
				return printErrorJSON(fmt.Errorf("--id is required"))
			}

			s, closeDB, err := openStore(resolveDBPath())
			if err != nil {
				return printErrorJSON(err)
			}
			defer closeDB()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w := worker.New(s, workerRunOneID)
			return w.Run(ctx)
		},
	}
	workerRunOneCmd.Flags().StringVar(&workerRunOneID, "id", "", "stable worker identity")

	workerCmd.AddCommand(workerStartCmd)
	workerCmd.AddCommand(workerStopCmd)
	workerCmd.AddCommand(workerReapCmd)
	workerCmd.AddCommand(workerRunOneCmd)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Read and write queue tunables",
	}

	configGetCmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Read a config value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeDB, err := openStore(resolveDBPath())
			if err != nil {
				return printErrorJSON(err)
			}
			defer closeDB()

			val, err := s.ConfigGet(args[0])
			if err != nil {
				return printErrorJSON(err)
			}
			return printJSON(map[string]interface{}{"key": args[0], "value": val})
		},
	}

	configSetCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Write a config value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeDB, err := openStore(resolveDBPath())
			if err != nil {
				return printErrorJSON(err)
			}
			defer closeDB()

			if err := s.ConfigSet(args[0], args[1]); err != nil {
				return printErrorJSON(err)
			}
			return printJSON(map[string]interface{}{"ok": true, "key": args[0], "value": args[1]})
		},
	}

	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveDBPath honors the --db flag over WORKQ_DB_PATH over the OS default,
// mirroring config.Load's own env-override precedence.
func resolveDBPath() string {
	if dbFlag != "" {
		return dbFlag
	}
	return config.Load().DBPath
}

// openStore opens the database with the DSN parameters ClaimOne's atomic
// critical section depends on: WAL mode for concurrent readers, a busy
// timeout so contending writers block instead of erroring, and
// _txlock=immediate so every transaction takes the write lock up front.
func openStore(dbPath string) (*store.Store, func(), error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return store.New(db), func() { db.Close() }, nil
}

func printJSON(data interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

func printErrorJSON(err error) error {
	output := map[string]interface{}{
		"ok":    false,
		"error": err.Error(),
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if encErr := encoder.Encode(output); encErr != nil {
		return fmt.Errorf("failed to encode error JSON: %w", encErr)
	}
	return err
}
