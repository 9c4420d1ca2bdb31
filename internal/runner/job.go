package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kneutral-org/jobguard/internal/journal"
)

var (
	// ErrInvalidJobSpec is returned when a job specification is inconsistent.
	ErrInvalidJobSpec = errors.New("invalid job spec")

	// ErrDuplicateJob is returned when a job name is registered twice.
	ErrDuplicateJob = errors.New("job already registered")

	// ErrUnknownJob is returned when a trigger names a job that was never registered.
	ErrUnknownJob = errors.New("unknown job")
)

// JobSpec describes one periodic job class. All instances of the service
// register the same specs; the lease store decides which one runs a firing.
type JobSpec struct {
	// Name is the unique job class name, also used in lease and journal keys.
	Name string

	// Interval is how often the job fires on every instance.
	Interval time.Duration

	// MinHold keeps the lease after a fast body finished, so that instances
	// whose clocks or triggers lag slightly do not run the same firing again.
	MinHold time.Duration

	// MaxHold is the lease TTL. A crashed holder frees the job after MaxHold.
	MaxHold time.Duration

	// Retention is applied to the job's execution history on every append.
	Retention time.Duration

	// Heartbeat, when positive, extends the lease to MaxHold at this rate
	// while the body runs. Zero disables extension.
	Heartbeat time.Duration

	// Aliases are short names accepted by introspection lookups.
	Aliases []string
}

// Validate checks that the spec can be scheduled.
func (s JobSpec) Validate() error {
	switch {
	case strings.TrimSpace(s.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidJobSpec)
	case strings.ContainsAny(s.Name, "*?[] "):
		return fmt.Errorf("%w: name %q contains key pattern characters", ErrInvalidJobSpec, s.Name)
	case s.Interval <= 0:
		return fmt.Errorf("%w: %s: interval must be > 0", ErrInvalidJobSpec, s.Name)
	case s.MaxHold <= 0:
		return fmt.Errorf("%w: %s: max hold must be > 0", ErrInvalidJobSpec, s.Name)
	case s.MinHold < 0:
		return fmt.Errorf("%w: %s: min hold must be >= 0", ErrInvalidJobSpec, s.Name)
	case s.MinHold > s.MaxHold:
		return fmt.Errorf("%w: %s: min hold %s exceeds max hold %s", ErrInvalidJobSpec, s.Name, s.MinHold, s.MaxHold)
	case s.Retention < 0:
		return fmt.Errorf("%w: %s: retention must be >= 0", ErrInvalidJobSpec, s.Name)
	case s.Heartbeat < 0 || (s.Heartbeat > 0 && s.Heartbeat >= s.MaxHold):
		return fmt.Errorf("%w: %s: heartbeat must be between 0 and max hold", ErrInvalidJobSpec, s.Name)
	}
	return nil
}

// Result is what a job body reports about one execution.
type Result struct {
	Outcome journal.Outcome
	Detail  string
}

// Success returns a successful result with the given detail.
func Success(detail string) Result {
	return Result{Outcome: journal.OutcomeSuccess, Detail: detail}
}

// Body is the work of a job. It should return promptly once ctx is done:
// ctx is cancelled at MaxHold, on lease loss and on runner shutdown.
type Body func(ctx context.Context) (Result, error)

// State is the lifecycle position of a job on this instance.
type State string

const (
	StateIdle       State = "idle"
	StateAcquiring  State = "acquiring"
	StateSkipped    State = "skipped"
	StateRunning    State = "running"
	StateFinalizing State = "finalizing"
)

// TriggerResult reports what a single firing did on this instance.
type TriggerResult string

const (
	// TriggerSkipped means another instance held the lease or the store
	// could not be consulted.
	TriggerSkipped TriggerResult = "skipped"

	// TriggerExecuted means this instance ran the body.
	TriggerExecuted TriggerResult = "executed"
)
