// Command jobrunner executes jobs stored in a Postgres queue table.
//
// Subcommands:
//
//	run        — process up to --limit jobs from one queue and exit
//	worker     — long-running pool of runners plus /metrics
//	migrate    — run pending database migrations and exit
//	functions  — list the job functions compiled into this binary
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	// Embeds the IANA timezone database so scheduled_at values render
	// correctly inside distroless containers.
	_ "time/tzdata"

	// Sets GOMEMLIMIT from the cgroup memory limit so the GC triggers before
	// the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/scarson/jobrunner/internal/builtin"
	"github.com/scarson/jobrunner/internal/config"
	"github.com/scarson/jobrunner/internal/executor"
	"github.com/scarson/jobrunner/internal/metrics"
	"github.com/scarson/jobrunner/internal/registry"
	"github.com/scarson/jobrunner/internal/store"
	"github.com/scarson/jobrunner/internal/worker"
	"github.com/scarson/jobrunner/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "jobrunner",
		Short: "jobrunner — transactional Postgres job queue runner",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		runCmd(),
		workerCmd(),
		migrateCmd(),
		functionsCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── run ───────────────────────────────────────────────────────────────────────

func runCmd() *cobra.Command {
	var (
		queue string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process up to --limit jobs from a queue table, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if cmd.Flags().Changed("queue") {
				cfg.QueueTable = queue
			}
			if cmd.Flags().Changed("limit") {
				cfg.IterationLimit = limit
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config: %w", err)
			}
			return runOnce(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&queue, "queue", "q", "", "queue table name (default $QUEUE_TABLE)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of jobs to process (default $ITERATION_LIMIT)")
	return cmd
}

func runOnce(parent context.Context, cfg *config.Config) error {
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st, closeDB, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	exec, rec, err := newExecution(ctx, cfg, st, logger)
	if err != nil {
		return err
	}
	r := worker.NewRunner(st, exec, rec, logger)
	if err := r.Run(ctx, cfg.QueueTable, cfg.IterationLimit); err != nil {
		return fmt.Errorf("run %s: %w", cfg.QueueTable, err)
	}
	return nil
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start a pool of runners that polls the queue until stopped",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st, closeDB, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	exec, rec, err := newExecution(ctx, cfg, st, logger)
	if err != nil {
		return err
	}

	var srv *http.Server
	serverErr := make(chan error, 1)
	if cfg.MetricsAddr != "" {
		srv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.NewRouter(),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		go func() {
			slog.Info("metrics server started", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
			close(serverErr)
		}()
	}

	pool := worker.NewPool(st, exec, rec, worker.PoolConfig{
		Queue:        cfg.QueueTable,
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.WorkerPollInterval,
		MaxRate:      cfg.WorkerMaxRate,
	}, logger)

	poolDone := make(chan struct{})
	go func() {
		pool.Start(ctx) // returns once ctx is cancelled and in-flight jobs drain
		close(poolDone)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			stop()
			<-poolDone
			return fmt.Errorf("metrics server: %w", err)
		}
		<-ctx.Done()
	case <-ctx.Done():
	}
	stop()

	slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
	)
	defer cancel()

	select {
	case <-poolDone:
	case <-shutdownCtx.Done():
		return errors.New("graceful shutdown: in-flight jobs did not finish in time")
	}
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
	}
	slog.Info("worker stopped")
	return nil
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	slog.Info("running migrations")

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the same
	// driver is used project-wide.
	migrateURL := cfg.DatabaseURL
	if cfg.DatabaseURLMigrate != "" {
		migrateURL = cfg.DatabaseURLMigrate
	}
	connCfg, err := pgx.ParseConfig(migrateURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{MultiStatementEnabled: true})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── functions ─────────────────────────────────────────────────────────────────

func functionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "functions",
		Short: "List the job functions this binary can resolve",
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, name := range newRegistry().Names() {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), name); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// ── helpers ───────────────────────────────────────────────────────────────────

func newRegistry() *registry.Registry {
	r := registry.New()
	builtin.Register(r)
	return r
}

func newExecution(ctx context.Context, cfg *config.Config, st *store.Store, logger *slog.Logger) (*executor.Executor, *worker.Recorder, error) {
	history, err := worker.CheckFailureHistory(ctx, st, cfg.QueueTable, cfg.RecordFailureHistory, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("database: %w", err)
	}
	exec := executor.New(newRegistry(), cfg.JobTimeout)
	rec := worker.NewRecorder(worker.Backoff{Max: cfg.BackoffMaxDelay}, history, logger)
	return exec, rec, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, func(), error) {
	iso, err := store.ParseIsoLevel(cfg.DBIsolationLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	db, err := newPool(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("database: %w", err)
	}
	return store.New(db, iso), db.Close, nil
}

// newPool creates and validates a pgxpool: PgBouncer-compatible query mode,
// a per-statement timeout and bounded pool size.
//
// Retries up to 10 times with linear backoff to handle the Docker Compose
// startup race where Postgres is not immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.DBQueryExecMode == "simple_protocol" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	// statement_timeout bounds store latency, not job execution: jobs run
	// between statements and are bounded by JOB_TIMEOUT instead.
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)

	// Each runner holds one connection for the length of its iteration.
	poolCfg.MaxConns = max(cfg.DBMaxConns, int32(cfg.WorkerConcurrency)) //nolint:gosec // G115: validated small
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	// Advisory schema version check: warn if migrations have not been applied.
	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err == nil && schemaVersion != expectedSchemaVersion {
		slog.Warn("schema version mismatch — run `jobrunner migrate`",
			"applied_version", schemaVersion,
			"expected_version", expectedSchemaVersion,
		)
	}

	return db, nil
}

// expectedSchemaVersion is the database migration version this binary requires.
// Update this constant when new migrations are added.
const expectedSchemaVersion = 1

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
