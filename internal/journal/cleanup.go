package journal

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/kneutral-org/jobguard/internal/metrics"
)

// Cleaner is implemented by archives that can purge expired records.
type Cleaner interface {
	// Cleanup removes expired entries and returns the number of entries removed.
	Cleanup(ctx context.Context) (int64, error)
}

// CleanupJob periodically purges archived executions past their retention.
// Every instance may run it: the DELETE is idempotent.
type CleanupJob struct {
	archive  Cleaner
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCleanupJob creates a cleanup job that runs at the specified interval.
func NewCleanupJob(archive Cleaner, interval time.Duration, logger zerolog.Logger) *CleanupJob {
	return &CleanupJob{
		archive:  archive,
		interval: interval,
		timeout:  30 * time.Second,
		logger:   logger.With().Str("component", "archive-cleanup").Logger(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the cleanup loop in a background goroutine.
func (j *CleanupJob) Start(ctx context.Context) {
	go j.run(ctx)
}

// Stop signals the cleanup loop to stop and waits for it to finish.
func (j *CleanupJob) Stop() {
	close(j.stopCh)
	<-j.doneCh
}

func (j *CleanupJob) run(ctx context.Context) {
	defer close(j.doneCh)

	j.runCleanup(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopCh:
			j.logger.Info().Msg("archive cleanup stopped")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.runCleanup(ctx)
		}
	}
}

func (j *CleanupJob) runCleanup(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	count, err := j.archive.Cleanup(ctx)
	if err != nil {
		metrics.RecordArchiveCleanup("error", 0)
		j.logger.Error().Err(err).Msg("failed to cleanup archived executions")
		return
	}

	metrics.RecordArchiveCleanup("ok", count)
	if count > 0 {
		j.logger.Info().
			Int64("removedCount", count).
			Msg("cleaned up archived executions")
	}
}
