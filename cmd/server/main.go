// Package main provides the entry point for the jobguard server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/health"

	"github.com/kneutral-org/jobguard/internal/api"
	"github.com/kneutral-org/jobguard/internal/config"
	grpcserver "github.com/kneutral-org/jobguard/internal/grpc"
	"github.com/kneutral-org/jobguard/internal/introspect"
	"github.com/kneutral-org/jobguard/internal/jobs"
	"github.com/kneutral-org/jobguard/internal/journal"
	"github.com/kneutral-org/jobguard/internal/leasestore"
	"github.com/kneutral-org/jobguard/internal/lock"
	"github.com/kneutral-org/jobguard/internal/logging"
	"github.com/kneutral-org/jobguard/internal/runner"
	"github.com/kneutral-org/jobguard/internal/trigger"
)

func main() {
	cfg := config.Load()
	logger := logging.New("jobguard", cfg.LogLevel, cfg.LogFormat)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited with error")
	}
	logger.Info().Msg("server exited properly")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close lease store")
		}
	}()

	lockOpts := []lock.ManagerOption{lock.WithKeyPrefix(cfg.LockPrefix)}
	if cfg.InstanceID != "" {
		lockOpts = append(lockOpts, lock.WithInstanceID(cfg.InstanceID))
	}
	locks := lock.NewManager(store, logger, lockOpts...)
	logger = logger.With().Str("instanceId", locks.InstanceID()).Logger()

	journalOpts := []journal.Option{
		journal.WithKeyPrefix(cfg.JournalPrefix),
		journal.WithMaxEntries(cfg.JournalMaxEntries),
	}
	var monitorOpts []introspect.Option

	// Optional durable archive
	if cfg.ArchiveDatabaseURL != "" {
		archive, err := journal.OpenPostgresArchive(ctx, cfg.ArchiveDatabaseURL, cfg.ArchiveRetention)
		if err != nil {
			return err
		}
		defer archive.Close()

		journalOpts = append(journalOpts, journal.WithArchiver(archive))
		monitorOpts = append(monitorOpts, introspect.WithArchive(archive))

		cleanup := journal.NewCleanupJob(archive, cfg.ArchiveCleanupInterval, logger)
		cleanup.Start(ctx)
		defer cleanup.Stop()
		logger.Info().Dur("retention", cfg.ArchiveRetention).Msg("execution archive enabled")
	}
	j := journal.New(store, logger, journalOpts...)

	r := runner.New(locks, j, logger)
	if err := jobs.Register(r, jobs.Definitions(cfg.JobTimeScale)); err != nil {
		return err
	}

	monitor := introspect.New(store, locks, j, r, logger, monitorOpts...)

	scheduler := trigger.New(r, logger)
	if err := scheduler.ScheduleAll(r.Jobs()); err != nil {
		return err
	}

	// HTTP
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.NewHandler(monitor, locks.InstanceID(), logger), logger)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// gRPC health
	healthServer := health.NewServer()
	grpcSrv := grpcserver.NewServer(healthServer, cfg.GRPCMaxMessageSize, logger)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen on grpc port %s: %w", cfg.GRPCPort, err)
	}
	reporter := grpcserver.NewHealthReporter(monitor, healthServer, cfg.LivenessInterval, logger)
	reporter.Start(ctx)

	serveErr := make(chan error, 2)
	go func() {
		logger.Info().Str("port", cfg.Port).Msg("starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		logger.Info().Str("port", cfg.GRPCPort).Msg("starting gRPC server")
		if err := grpcSrv.Serve(lis); err != nil {
			serveErr <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	scheduler.Start()
	logger.Info().Int("jobs", len(r.Jobs())).Msg("job scheduler started")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down server...")
	case runErr = <-serveErr:
		logger.Error().Err(runErr).Msg("server failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Stop firing first, then let running jobs finish and release their leases.
	scheduler.Stop()
	if err := r.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("runner did not drain before shutdown timeout")
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server forced to shutdown")
	}
	reporter.Stop()
	grpcSrv.GracefulStop()

	return runErr
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (leasestore.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreBackendMemory:
		logger.Warn().Msg("using in-memory lease store: locks are not shared between instances")
		return leasestore.NewMemoryStore(), nil
	default:
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		store, err := leasestore.DialRedis(dialCtx, cfg.RedisURL,
			leasestore.WithOperationTimeout(cfg.StoreOperationTimeout))
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to redis lease store")
		return store, nil
	}
}
