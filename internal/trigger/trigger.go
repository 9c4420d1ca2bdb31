// Package trigger fires registered jobs on their intervals. Every instance
// runs its own trigger; the runner decides which firing actually executes.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/jobguard/internal/runner"
)

// ErrAlreadyScheduled is returned when a job is scheduled twice.
var ErrAlreadyScheduled = errors.New("job already scheduled")

// Firer handles a single firing of a job.
type Firer interface {
	OnTrigger(ctx context.Context, jobName string) (runner.TriggerResult, error)
}

// Scheduler drives one cron entry per job.
type Scheduler struct {
	cron   *cron.Cron
	firer  Firer
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New creates a scheduler that fires jobs into firer.
func New(firer Firer, logger zerolog.Logger) *Scheduler {
	logger = logger.With().Str("component", "trigger").Logger()
	cl := cronLogger{logger: logger}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		// A firing that is still waiting out its min-hold must not be
		// stacked with the next one on the same instance.
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		firer:   firer,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
	}
}

// Schedule adds a fixed-interval entry for spec.
func (s *Scheduler) Schedule(spec runner.JobSpec) error {
	if spec.Interval <= 0 {
		return fmt.Errorf("%w: %s: interval must be > 0", runner.ErrInvalidJobSpec, spec.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[spec.Name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyScheduled, spec.Name)
	}

	name := spec.Name
	id := s.cron.Schedule(cron.Every(spec.Interval), cron.FuncJob(func() {
		s.fire(name)
	}))
	s.entries[name] = id

	s.logger.Info().Str("job", name).Dur("interval", spec.Interval).Msg("job scheduled")
	return nil
}

// ScheduleAll schedules every spec, stopping at the first error.
func (s *Scheduler) ScheduleAll(specs []runner.JobSpec) error {
	for _, spec := range specs {
		if err := s.Schedule(spec); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) fire(jobName string) {
	result, err := s.firer.OnTrigger(s.ctx, jobName)
	if err != nil {
		s.logger.Error().Err(err).Str("job", jobName).Msg("trigger failed")
		return
	}
	s.logger.Debug().Str("job", jobName).Str("result", string(result)).Msg("trigger fired")
}

// Start begins firing in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new firings and returns a context that is done once the
// firings already in progress have returned. It does not wait itself, so
// the runner can be shut down while those firings are still in min-hold.
func (s *Scheduler) Stop() context.Context {
	done := s.cron.Stop()
	s.cancel()
	return done
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
