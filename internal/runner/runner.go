// Package runner executes registered periodic jobs under a distributed lease
// so that a firing runs on at most one instance, then journals the outcome.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/kneutral-org/jobguard/internal/journal"
	"github.com/kneutral-org/jobguard/internal/lock"
	"github.com/kneutral-org/jobguard/internal/logging"
	"github.com/kneutral-org/jobguard/internal/metrics"
)

// DefaultJournalTimeout bounds the journal append after a body finished.
const DefaultJournalTimeout = 5 * time.Second

// ErrJobPanicked wraps the value recovered from a panicking job body.
var ErrJobPanicked = errors.New("job panicked")

type job struct {
	spec  JobSpec
	body  Body
	state atomic.Value
}

func (j *job) setState(s State) {
	j.state.Store(s)
}

func (j *job) currentState() State {
	return j.state.Load().(State)
}

// Runner reacts to trigger firings for registered jobs.
type Runner struct {
	locks   *lock.Manager
	journal *journal.Journal
	logger  zerolog.Logger

	journalTimeout time.Duration

	mu     sync.RWMutex
	jobs   map[string]*job
	order  []string
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

// WithJournalTimeout bounds how long a finished firing may spend journaling.
func WithJournalTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.journalTimeout = d
		}
	}
}

// New creates a runner that coordinates through locks and records into j.
func New(locks *lock.Manager, j *journal.Journal, logger zerolog.Logger, opts ...Option) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		locks:          locks,
		journal:        j,
		logger:         logger.With().Str("component", "runner").Logger(),
		journalTimeout: DefaultJournalTimeout,
		jobs:           make(map[string]*job),
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// InstanceID returns the identity this runner acquires leases under.
func (r *Runner) InstanceID() string {
	return r.locks.InstanceID()
}

// RegisterJob adds a job class. Every instance must register the same specs.
func (r *Runner) RegisterJob(spec JobSpec, body Body) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if body == nil {
		return fmt.Errorf("%w: %s: body is required", ErrInvalidJobSpec, spec.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[spec.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, spec.Name)
	}

	spec.Aliases = append([]string(nil), spec.Aliases...)
	j := &job{spec: spec, body: body}
	j.setState(StateIdle)
	r.jobs[spec.Name] = j
	r.order = append(r.order, spec.Name)

	r.logger.Info().
		Str("job", spec.Name).
		Dur("interval", spec.Interval).
		Dur("minHold", spec.MinHold).
		Dur("maxHold", spec.MaxHold).
		Dur("retention", spec.Retention).
		Msg("job registered")
	return nil
}

// Jobs returns the registered specs in registration order.
func (r *Runner) Jobs() []JobSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]JobSpec, 0, len(r.order))
	for _, name := range r.order {
		spec := r.jobs[name].spec
		spec.Aliases = append([]string(nil), spec.Aliases...)
		specs = append(specs, spec)
	}
	return specs
}

// Spec returns the registered spec for jobName.
func (r *Runner) Spec(jobName string) (JobSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.jobs[jobName]
	if !ok {
		return JobSpec{}, false
	}
	return j.spec, true
}

// State returns the current lifecycle state of jobName on this instance.
func (r *Runner) State(jobName string) (State, error) {
	r.mu.RLock()
	j, ok := r.jobs[jobName]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, jobName)
	}
	return j.currentState(), nil
}

// OnTrigger handles one firing of jobName. It blocks until the firing is
// finalized, which includes waiting out the job's min-hold.
//
// Losing the lease race and an unreachable store both yield TriggerSkipped
// with a nil error; the only error is ErrUnknownJob.
func (r *Runner) OnTrigger(ctx context.Context, jobName string) (TriggerResult, error) {
	r.mu.RLock()
	j, ok := r.jobs[jobName]
	closed := r.closed
	if ok && !closed {
		r.wg.Add(1)
	}
	r.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, jobName)
	}
	if closed {
		r.logger.Debug().Str("job", jobName).Msg("runner shut down, firing skipped")
		return TriggerSkipped, nil
	}
	defer r.wg.Done()

	return r.fire(ctx, j), nil
}

func (r *Runner) fire(ctx context.Context, j *job) TriggerResult {
	spec := j.spec
	logger := logging.JobLogger(r.logger, spec.Name, r.locks.InstanceID())

	ctx, stop := r.bind(ctx)
	defer stop()
	defer j.setState(StateIdle)

	j.setState(StateAcquiring)
	lease, err := r.locks.TryAcquire(ctx, spec.Name, spec.MaxHold)
	if err != nil {
		j.setState(StateSkipped)
		metrics.RecordLeaseAcquisition(spec.Name, "unavailable")
		logger.Warn().Err(err).Msg("lease store unavailable, firing skipped")
		return TriggerSkipped
	}
	if lease == nil {
		j.setState(StateSkipped)
		metrics.RecordLeaseAcquisition(spec.Name, "contended")
		logger.Debug().Msg("lease held by another instance, firing skipped")
		return TriggerSkipped
	}

	metrics.RecordLeaseAcquisition(spec.Name, "acquired")
	logger.Info().Str("holderToken", lease.HolderToken).Msg("lease acquired")

	j.setState(StateRunning)
	record := r.execute(ctx, j, lease, logger)

	j.setState(StateFinalizing)
	r.finalize(ctx, j, lease, record, logger)
	return TriggerExecuted
}

// bind derives a context that is also cancelled when the runner shuts down.
func (r *Runner) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(r.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (r *Runner) execute(ctx context.Context, j *job, lease *lock.Lease, logger zerolog.Logger) journal.Record {
	spec := j.spec

	bodyCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if spec.Heartbeat > 0 {
		hb := lock.NewHeartbeat(r.locks, lease, spec.MaxHold, logger,
			lock.WithRenewalRate(spec.Heartbeat),
			lock.WithOnLost(func(err error) { cancel(err) }),
		)
		hb.Start(bodyCtx)
		defer hb.Stop()
	} else {
		// The store frees the lease at MaxHold; the body gets the same budget.
		var cancelDeadline context.CancelFunc
		bodyCtx, cancelDeadline = context.WithDeadline(bodyCtx, lease.Deadline())
		defer cancelDeadline()
	}

	started := time.Now()
	metrics.IncJobsRunning(spec.Name)
	result, err := runBody(bodyCtx, j.body)
	metrics.DecJobsRunning(spec.Name)
	elapsed := time.Since(started)

	record := journal.Record{
		JobName:        spec.Name,
		InstanceID:     r.locks.InstanceID(),
		StartedAt:      started.UTC(),
		DurationMillis: elapsed.Milliseconds(),
		Outcome:        result.Outcome,
		Detail:         result.Detail,
	}
	if record.Outcome == "" {
		record.Outcome = journal.OutcomeSuccess
	}
	if err != nil {
		if cause := context.Cause(bodyCtx); errors.Is(cause, lock.ErrLeaseLost) {
			err = errors.Join(err, cause)
		}
		record.Outcome = journal.OutcomeFailure
		record.Detail = err.Error()
	}

	metrics.RecordJobExecution(spec.Name, string(record.Outcome), elapsed.Seconds())

	event := logger.Info()
	if record.Outcome == journal.OutcomeFailure {
		event = logger.Error().Err(err)
	}
	event.
		Str("outcome", string(record.Outcome)).
		Dur("duration", elapsed).
		Str("detail", record.Detail).
		Msg("job finished")
	return record
}

func runBody(ctx context.Context, body Body) (result Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrJobPanicked, p)
		}
	}()
	return body(ctx)
}

// finalize journals the record and gives the lease back. Neither step can
// fail the firing: a lost record only affects history, and an unreleased
// lease expires at MaxHold.
func (r *Runner) finalize(ctx context.Context, j *job, lease *lock.Lease, record journal.Record, logger zerolog.Logger) {
	spec := j.spec

	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.journalTimeout)
	err := r.journal.Append(appendCtx, record, spec.Retention)
	cancel()
	if err != nil {
		metrics.RecordJournalAppendFailure(spec.Name)
		logger.Warn().Err(err).Msg("failed to journal execution")
	}

	outcome, err := r.locks.Release(ctx, lease, spec.MinHold)
	held := time.Since(lease.AcquiredAt).Seconds()
	if err != nil {
		metrics.RecordLeaseRelease(spec.Name, "error", held)
		logger.Warn().Err(err).Msg("failed to release lease, it expires at max hold")
		return
	}
	metrics.RecordLeaseRelease(spec.Name, string(outcome), held)
	logger.Debug().Str("outcome", string(outcome)).Msg("lease released")
}

// Shutdown stops accepting firings, cancels running bodies and waits for
// in-flight firings to finalize. Leases still inside their min-hold are
// shortened to expire at the min-hold boundary rather than deleted.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()

	waitCh := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-waitCh:
		r.logger.Info().Msg("runner stopped")
		return nil
	}
}
