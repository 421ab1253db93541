// Package main is the entry point of the lab engine server.
//
// labd hosts live lab sessions behind an HTTP API: it loads the exercise
// registry, connects the session store, optionally layers Redis for caching
// and cross-instance live updates, and runs the background jobs that
// reconcile submissions and close idle sessions.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alem-hub/lab-engine/config"
	"github.com/alem-hub/lab-engine/internal/application/controller"
	"github.com/alem-hub/lab-engine/internal/application/labs"
	"github.com/alem-hub/lab-engine/internal/application/persistence"
	"github.com/alem-hub/lab-engine/internal/domain/exercise"
	"github.com/alem-hub/lab-engine/internal/domain/session"
	"github.com/alem-hub/lab-engine/internal/infrastructure/external/grading"
	"github.com/alem-hub/lab-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/lab-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/lab-engine/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/lab-engine/internal/infrastructure/persistence/redis"
	"github.com/alem-hub/lab-engine/internal/infrastructure/persistence/sqlite"
	"github.com/alem-hub/lab-engine/internal/infrastructure/scheduler"
	"github.com/alem-hub/lab-engine/internal/infrastructure/scheduler/jobs"
	httpapi "github.com/alem-hub/lab-engine/internal/interface/http"
	"github.com/alem-hub/lab-engine/internal/interface/http/handlers"
	"github.com/alem-hub/lab-engine/pkg/circuitbreaker"
	"github.com/alem-hub/lab-engine/pkg/logger"
	"github.com/alem-hub/lab-engine/pkg/timeutil"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

// sessionBackend is what a configured store driver provides.
type sessionBackend interface {
	session.CheckedStore
	session.Lister
	session.AssessmentReader
	grading.SubmissionRecorder
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	slogger := setupSlog(cfg)
	log := logger.New(logger.Options{
		Output:    os.Stdout,
		Level:     logger.ParseLevel(cfg.Observability.LogLevel),
		AddCaller: cfg.App.Debug,
	}).With(logger.String("service", cfg.App.Name), logger.String("version", cfg.App.Version))

	log.Info("starting lab engine",
		logger.String("env", string(cfg.App.Environment)),
		logger.String("store", cfg.Store.Driver),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. EXERCISE REGISTRY
	// ─────────────────────────────────────────────────────────────────────────
	registry, err := loadRegistry(cfg.Engine.RegistryFile)
	if err != nil {
		return err
	}
	log.Info("exercise registry loaded", logger.Any("exercises", registry.IDs()))

	health := handlers.NewChecks(cfg.App.Version, 0)

	// ─────────────────────────────────────────────────────────────────────────
	// 4. SESSION STORE
	// ─────────────────────────────────────────────────────────────────────────
	backend, closeStore, err := openBackend(ctx, cfg, log, health)
	if err != nil {
		return err
	}
	defer closeStore()

	var store session.Store = backend
	var feed session.Feed

	// ─────────────────────────────────────────────────────────────────────────
	// 5. REDIS (optional)
	// ─────────────────────────────────────────────────────────────────────────
	if cfg.RedisEnabled() {
		log.Info("connecting to Redis...")
		cache, err := redis.NewCache(ctx, redisConfig(cfg.Redis))
		if err != nil {
			log.Warn("failed to connect to Redis, caching and live updates disabled", logger.Err(err))
		} else {
			defer cache.Close()
			snapshots := redis.NewSnapshotFeed(cache, log)
			store = redis.NewCachedStore(backend, cache, snapshots, log)
			feed = snapshots
			health.Add("redis", handlers.Degraded, handlers.NewPingCheck(cache))
			log.Info("Redis connection established")
		}
	}
	health.Add("session_store", handlers.Critical, handlers.NewSessionStoreCheck(store))

	// ─────────────────────────────────────────────────────────────────────────
	// 6. EVENT BUS
	// ─────────────────────────────────────────────────────────────────────────
	busConfig := messaging.DefaultInMemoryEventBusConfig()
	busConfig.Logger = slogger
	busConfig.AsyncMode = true
	bus := messaging.NewInMemoryEventBus(busConfig)
	defer func() {
		log.Info("closing event bus...")
		_ = bus.Close()
	}()
	if err := messaging.NewAuditLogger(slogger).Register(bus); err != nil {
		return fmt.Errorf("failed to register audit logger: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 7. GRADING
	// ─────────────────────────────────────────────────────────────────────────
	clock := timeutil.NewReal()
	onBreaker := func(name string, from, to circuitbreaker.State) {
		log.Warn("circuit breaker state changed",
			logger.String("breaker", name),
			logger.String("from", from.String()),
			logger.String("to", to.String()),
		)
	}

	var submitter session.Submitter
	if cfg.Grading.URL != "" {
		gradingConfig := grading.DefaultClientConfig(cfg.Grading.URL)
		gradingConfig.APIKey = cfg.Grading.APIKey
		gradingConfig.Timeout = cfg.Grading.Timeout
		gradingConfig.Logger = slogger
		breaker := circuitbreaker.New("grading-api",
			circuitbreaker.WithFailureThreshold(cfg.Grading.CircuitBreakerThreshold),
			circuitbreaker.WithSuccessThreshold(2),
			circuitbreaker.WithTimeout(cfg.Grading.CircuitBreakerTimeout),
			circuitbreaker.WithMaxHalfOpenRequests(1),
			circuitbreaker.WithOnStateChange(onBreaker),
		)
		submitter = grading.NewClient(gradingConfig, breaker)
		health.Add("grading", handlers.Degraded, func(context.Context) error {
			if breaker.State() == circuitbreaker.StateOpen {
				return errors.New("grading circuit is open")
			}
			return nil
		})
		log.Info("grading endpoint configured", logger.String("url", cfg.Grading.URL))
	} else {
		submitter = grading.NewLocalSubmitter(backend, clock.Now, slogger)
		log.Warn("GRADING_URL not set, submissions are recorded locally")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 8. SESSION MANAGER
	// ─────────────────────────────────────────────────────────────────────────
	opts := controller.DefaultOptions()
	opts.Persistence = persistence.Config{
		Debounce:     cfg.Engine.Debounce,
		Autosave:     cfg.Engine.Autosave,
		WriteTimeout: cfg.Engine.SaveTimeout,
	}
	opts.Tick = cfg.Engine.Tick

	manager := labs.NewManager(labs.Config{
		Registry:   registry,
		Controller: opts,
		Deps: controller.Deps{
			Store:        store,
			Submitter:    submitter,
			Assessments:  backend,
			Events:       bus,
			Clock:        clock,
			Logger:       log,
			StoreBreaker: circuitbreaker.SessionStoreBreaker(onBreaker),
		},
		Feed:    feed,
		Toggles: cfg.Features,
		Logger:  log,
	})
	defer func() {
		log.Info("closing open sessions...", logger.Int("sessions", manager.Len()))
		manager.CloseAll()
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// 9. SCHEDULER
	// ─────────────────────────────────────────────────────────────────────────
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		schedConfig := scheduler.DefaultSchedulerConfig()
		schedConfig.Logger = slogger
		schedConfig.Clock = clock
		sched = scheduler.NewScheduler(schedConfig)

		reconcile := jobs.NewReconcileSubmissionsJob(jobs.ManagerSessions(manager), cfg.Scheduler.JobTimeout, slogger)
		if err := sched.Register(reconcile, scheduler.NewIntervalSchedule(cfg.Scheduler.ReconcileInterval)); err != nil {
			return fmt.Errorf("failed to register %s: %w", reconcile.Name(), err)
		}
		idle := jobs.NewCloseIdleSessionsJob(manager, cfg.Scheduler.SessionIdleTTL, cfg.Scheduler.JobTimeout, slogger)
		if err := sched.Register(idle, scheduler.NewIntervalSchedule(cfg.Scheduler.IdleSweepInterval)); err != nil {
			return fmt.Errorf("failed to register %s: %w", idle.Name(), err)
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 10. HTTP SERVER
	// ─────────────────────────────────────────────────────────────────────────
	httpConfig := httpapi.DefaultConfig()
	httpConfig.Host = cfg.HTTP.Host
	httpConfig.Port = cfg.HTTP.Port
	httpConfig.ReadTimeout = cfg.HTTP.ReadTimeout
	httpConfig.WriteTimeout = cfg.HTTP.WriteTimeout
	httpConfig.IdleTimeout = cfg.HTTP.IdleTimeout
	httpConfig.RequestTimeout = cfg.HTTP.RequestTimeout
	httpConfig.MaxBodyBytes = cfg.HTTP.MaxBodyBytes

	apiDeps := httpapi.Dependencies{
		Manager:       manager,
		Staff:         handlers.NewStaffTokens(cfg.Auth.StaffTokenHashes),
		HealthChecker: health,
		Logger:        log,
		Version:       cfg.App.Version,
	}
	if m := bus.Metrics(); m != nil {
		apiDeps.Events = m
	}
	if sched != nil {
		apiDeps.Jobs = sched
	}
	server := httpapi.NewServer(httpConfig, apiDeps)
	serverErr := server.StartAsync()
	log.Info("lab engine is running", logger.String("addr", httpConfig.Address()))

	// ─────────────────────────────────────────────────────────────────────────
	// 11. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", logger.Err(err))
		}
	}

	log.Info("starting graceful shutdown...", logger.Duration("timeout", cfg.App.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown failed", logger.Err(err))
	}
	if sched != nil {
		if err := sched.Stop(); err != nil && !errors.Is(err, scheduler.ErrSchedulerNotRunning) {
			log.Error("scheduler stop failed", logger.Err(err))
		}
	}

	log.Info("shutdown completed")
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func loadRegistry(path string) (*exercise.Registry, error) {
	if path == "" {
		reg, err := exercise.Default()
		if err != nil {
			return nil, fmt.Errorf("built-in exercise registry: %w", err)
		}
		return reg, nil
	}
	reg, err := exercise.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("exercise registry %s: %w", path, err)
	}
	return reg, nil
}

func openBackend(ctx context.Context, cfg *config.Config, log *logger.Logger, health *handlers.Checks) (sessionBackend, func(), error) {
	switch cfg.Store.Driver {
	case config.StorePostgres:
		log.Info("connecting to database...")
		pgConfig := postgres.DefaultConfig(cfg.Store.DatabaseURL)
		pgConfig.MaxConns = cfg.Store.MaxConns
		pgConfig.MinConns = cfg.Store.MinConns
		pgConfig.MaxConnLifetime = cfg.Store.ConnMaxLifetime
		pgConfig.MaxConnIdleTime = cfg.Store.ConnMaxIdleTime
		pgConfig.QueryTimeout = cfg.Store.QueryTimeout

		conn, err := postgres.NewConnection(ctx, pgConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if cfg.Store.AutoMigrate {
			applied, err := postgres.NewMigrator(conn).Migrate(ctx)
			if err != nil {
				conn.Close()
				return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info("database schema is up to date", logger.Int("applied", applied))
		}
		health.Add("database", handlers.Critical, handlers.NewPingCheck(conn))
		return postgresBackend{
			SessionRepository:    postgres.NewSessionRepository(conn),
			AssessmentRepository: postgres.NewAssessmentRepository(conn),
		}, conn.Close, nil

	case config.StoreSQLite:
		store, err := sqlite.Open(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		health.Add("database", handlers.Critical, handlers.NewPingCheck(store))
		return store, func() { _ = store.Close() }, nil

	default:
		log.Warn("using the in-memory store, sessions are lost on restart")
		return memory.NewStore(), func() {}, nil
	}
}

// postgresBackend joins the session and assessment repositories.
type postgresBackend struct {
	*postgres.SessionRepository
	*postgres.AssessmentRepository
}

func redisConfig(c config.RedisConfig) redis.Config {
	rc := redis.DefaultConfig()
	rc.URL = c.URL
	rc.Addr = c.Addr
	rc.Password = c.Password
	rc.DB = c.DB
	rc.PoolSize = c.PoolSize
	rc.MinIdleConns = c.MinIdleConns
	rc.DialTimeout = c.DialTimeout
	rc.ReadTimeout = c.ReadTimeout
	rc.WriteTimeout = c.WriteTimeout
	return rc
}

// setupSlog configures the slog logger used by the scheduler, event bus and
// grading client.
func setupSlog(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Observability.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	if cfg.App.Debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var out io.Writer = os.Stdout
	var handler slog.Handler
	if cfg.IsProduction() || cfg.Observability.LogFormat == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	log := slog.New(handler).With("service", cfg.App.Name)
	slog.SetDefault(log)
	return log
}
