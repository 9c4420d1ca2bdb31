package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/jobguard/internal/leasestore"
)

const defaultReleaseTimeout = 3 * time.Second

// Manager acquires and releases job leases on a shared leasestore.Store.
// Mutual exclusion comes entirely from the store's atomic conditional set;
// the manager keeps no in-process lock state.
type Manager struct {
	store          leasestore.Store
	logger         zerolog.Logger
	prefix         string
	instanceID     string
	releaseTimeout time.Duration
	now            func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithKeyPrefix sets the namespace for lease keys.
func WithKeyPrefix(prefix string) ManagerOption {
	return func(m *Manager) {
		if p := strings.TrimRight(strings.TrimSpace(prefix), ":"); p != "" {
			m.prefix = p
		}
	}
}

// WithInstanceID sets the identifier embedded in holder tokens.
// It should be unique per process so operators can tell holders apart.
func WithInstanceID(id string) ManagerOption {
	return func(m *Manager) {
		if id = strings.TrimSpace(id); id != "" {
			m.instanceID = id
		}
	}
}

// WithReleaseTimeout bounds the store call made when a release is deferred
// after the caller's context was cancelled.
func WithReleaseTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.releaseTimeout = d
		}
	}
}

// WithClock overrides the clock used for min-hold accounting.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a lease manager over the given store.
func NewManager(store leasestore.Store, logger zerolog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:          store,
		prefix:         DefaultKeyPrefix,
		instanceID:     defaultInstanceID(),
		releaseTimeout: defaultReleaseTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logger.With().
		Str("component", "lock-manager").
		Str("instanceId", m.instanceID).
		Logger()
	return m
}

func defaultInstanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}

// InstanceID returns the identifier embedded in this manager's holder tokens.
func (m *Manager) InstanceID() string {
	return m.instanceID
}

// KeyPrefix returns the namespace used for lease keys.
func (m *Manager) KeyPrefix() string {
	return m.prefix
}

// Key returns the store key for a job's lease.
func (m *Manager) Key(jobName string) string {
	return m.prefix + ":" + jobName
}

// JobName extracts the job name from a lease key, reporting false for keys
// outside the lease namespace.
func (m *Manager) JobName(key string) (string, bool) {
	name, ok := strings.CutPrefix(key, m.prefix+":")
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

func (m *Manager) newToken() string {
	return m.instanceID + ":" + uuid.NewString()
}

// TryAcquire attempts to claim the lease for jobName with a store-enforced
// TTL of maxHold. It returns (nil, nil) when another holder owns the lease;
// that is the normal outcome for all but one instance per firing.
// A non-nil error means the store could not be consulted and the caller
// must not run the job.
func (m *Manager) TryAcquire(ctx context.Context, jobName string, maxHold time.Duration) (*Lease, error) {
	if strings.TrimSpace(jobName) == "" {
		return nil, fmt.Errorf("%w: job name is required", ErrInvalidArgument)
	}
	if maxHold <= 0 {
		return nil, fmt.Errorf("%w: max hold must be > 0", ErrInvalidArgument)
	}

	key := m.Key(jobName)
	token := m.newToken()

	acquired, err := m.store.SetIfAbsent(ctx, key, token, maxHold)
	if err != nil {
		return nil, fmt.Errorf("acquire lease %q: %w", jobName, err)
	}
	if !acquired {
		return nil, nil
	}

	// Stamped after the store accepted the claim so min-hold is measured
	// from a point at which the lease certainly existed.
	return &Lease{
		JobName:     jobName,
		Key:         key,
		HolderToken: token,
		AcquiredAt:  m.now(),
		MaxHold:     maxHold,
	}, nil
}

// Release gives the lease back once minHold has elapsed since acquisition.
//
// It blocks until the min-hold boundary, then deletes the key only if it
// still carries the lease's holder token. A mismatch returns ReleaseStale
// with a nil error: the lease expired and may belong to someone else now.
// If ctx is cancelled while waiting, the lease TTL is shortened to the
// remaining min-hold and ReleaseDeferred is returned, so shutdown never
// frees a lease early nor leaves it held until max-hold.
func (m *Manager) Release(ctx context.Context, lease *Lease, minHold time.Duration) (ReleaseOutcome, error) {
	if lease == nil {
		return "", fmt.Errorf("%w: lease is required", ErrInvalidArgument)
	}

	if wait := minHold - m.now().Sub(lease.AcquiredAt); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return m.deferRelease(context.WithoutCancel(ctx), lease, minHold)
		}
	}

	// The min-hold boundary has passed; the delete must go through even if
	// the caller is shutting down.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.releaseTimeout)
	defer cancel()
	return m.compareAndDelete(ctx, lease)
}

func (m *Manager) compareAndDelete(ctx context.Context, lease *Lease) (ReleaseOutcome, error) {
	deleted, err := m.store.CompareAndDelete(ctx, lease.Key, lease.HolderToken)
	if err != nil {
		return "", fmt.Errorf("release lease %q: %w", lease.JobName, err)
	}
	if !deleted {
		m.logger.Debug().
			Str("job", lease.JobName).
			Str("holderToken", lease.HolderToken).
			Msg("lease already expired or reassigned, release skipped")
		return ReleaseStale, nil
	}
	return ReleaseReleased, nil
}

func (m *Manager) deferRelease(ctx context.Context, lease *Lease, minHold time.Duration) (ReleaseOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, m.releaseTimeout)
	defer cancel()

	remaining := minHold - m.now().Sub(lease.AcquiredAt)
	if remaining <= 0 {
		return m.compareAndDelete(ctx, lease)
	}

	applied, err := m.store.CompareAndExpire(ctx, lease.Key, lease.HolderToken, remaining)
	if err != nil {
		return "", fmt.Errorf("defer release of lease %q: %w", lease.JobName, err)
	}
	if !applied {
		return ReleaseStale, nil
	}

	m.logger.Info().
		Str("job", lease.JobName).
		Dur("remainingMinHold", remaining).
		Msg("release deferred to min-hold boundary")
	return ReleaseDeferred, nil
}

// Extend resets the lease TTL to ttl if this instance still holds it.
// It returns ErrLeaseLost when the lease has been lost.
func (m *Manager) Extend(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if lease == nil {
		return fmt.Errorf("%w: lease is required", ErrInvalidArgument)
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: ttl must be > 0", ErrInvalidArgument)
	}

	applied, err := m.store.CompareAndExpire(ctx, lease.Key, lease.HolderToken, ttl)
	if err != nil {
		return fmt.Errorf("extend lease %q: %w", lease.JobName, err)
	}
	if !applied {
		return ErrLeaseLost
	}
	return nil
}

// IsHeld reports whether the store still carries this lease's holder token.
func (m *Manager) IsHeld(ctx context.Context, lease *Lease) (bool, error) {
	if lease == nil {
		return false, nil
	}
	value, err := m.store.Get(ctx, lease.Key)
	if errors.Is(err, leasestore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read lease %q: %w", lease.JobName, err)
	}
	return value == lease.HolderToken, nil
}
