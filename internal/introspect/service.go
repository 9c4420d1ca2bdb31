// Package introspect answers operator questions about leases, execution
// history and store health without taking part in coordination.
package introspect

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kneutral-org/jobguard/internal/journal"
	"github.com/kneutral-org/jobguard/internal/leasestore"
	"github.com/kneutral-org/jobguard/internal/lock"
	"github.com/kneutral-org/jobguard/internal/metrics"
	"github.com/kneutral-org/jobguard/internal/runner"
)

const (
	// DefaultProbePrefix namespaces liveness probe keys.
	DefaultProbePrefix = "liveness"

	// DefaultHistoryLimit caps executions returned per job when no limit is given.
	DefaultHistoryLimit = 10

	probeTTL = 10 * time.Second
)

// Store status values reported by Liveness.
const (
	StatusConnected    = "CONNECTED"
	StatusDisconnected = "DISCONNECTED"
)

// Catalog lists the jobs registered on this instance.
type Catalog interface {
	Jobs() []runner.JobSpec
}

// ArchiveCounter reports how many executions the durable archive holds.
type ArchiveCounter interface {
	Count(ctx context.Context, jobName string) (int64, error)
}

// Service is the read-mostly introspection facade.
type Service struct {
	store   leasestore.Store
	locks   *lock.Manager
	journal *journal.Journal
	catalog Catalog
	archive ArchiveCounter
	logger  zerolog.Logger

	probePrefix string
	now         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithArchive adds archived execution counts to histories.
func WithArchive(a ArchiveCounter) Option {
	return func(s *Service) {
		s.archive = a
	}
}

// WithProbePrefix sets the namespace for liveness probe keys.
func WithProbePrefix(prefix string) Option {
	return func(s *Service) {
		if p := strings.TrimRight(strings.TrimSpace(prefix), ":"); p != "" {
			s.probePrefix = p
		}
	}
}

// WithClock overrides the time source used for computed expiry times.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an introspection service over the shared store.
func New(store leasestore.Store, locks *lock.Manager, j *journal.Journal, catalog Catalog, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:       store,
		locks:       locks,
		journal:     j,
		catalog:     catalog,
		logger:      logger.With().Str("component", "introspect").Logger(),
		probePrefix: DefaultProbePrefix,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LeaseInfo describes one lease key as seen in the store.
type LeaseInfo struct {
	JobName     string     `json:"jobName"`
	Key         string     `json:"key"`
	Held        bool       `json:"held"`
	HolderToken string     `json:"holderToken,omitempty"`
	TTLSeconds  int64      `json:"ttlSeconds"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Persistent  bool       `json:"persistent,omitempty"`
}

// Leases lists every lease currently present in the store.
func (s *Service) Leases(ctx context.Context) ([]LeaseInfo, error) {
	keys, err := s.store.Keys(ctx, s.locks.KeyPrefix()+":*")
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	sort.Strings(keys)

	leases := make([]LeaseInfo, 0, len(keys))
	for _, key := range keys {
		jobName, ok := s.locks.JobName(key)
		if !ok {
			continue
		}
		info, err := s.inspect(ctx, jobName, key)
		if err != nil {
			return nil, err
		}
		// Expired between SCAN and GET.
		if !info.Held {
			continue
		}
		leases = append(leases, info)
	}
	return leases, nil
}

// Lease reports the lease state of a single job.
func (s *Service) Lease(ctx context.Context, jobName string) (LeaseInfo, error) {
	return s.inspect(ctx, jobName, s.locks.Key(jobName))
}

func (s *Service) inspect(ctx context.Context, jobName, key string) (LeaseInfo, error) {
	info := LeaseInfo{JobName: jobName, Key: key}

	holder, err := s.store.Get(ctx, key)
	if errors.Is(err, leasestore.ErrNotFound) {
		return info, nil
	}
	if err != nil {
		return info, fmt.Errorf("read lease %q: %w", key, err)
	}

	ttl, err := s.store.TTL(ctx, key)
	if errors.Is(err, leasestore.ErrNotFound) {
		return info, nil
	}
	if err != nil {
		return info, fmt.Errorf("read lease ttl %q: %w", key, err)
	}

	info.Held = true
	info.HolderToken = holder
	if ttl == leasestore.NoExpiry {
		info.TTLSeconds = -1
		info.Persistent = true
		return info, nil
	}
	expiresAt := s.now().Add(ttl).UTC()
	info.TTLSeconds = int64(ttl.Round(time.Second) / time.Second)
	info.ExpiresAt = &expiresAt
	return info, nil
}

// History is the recent execution history of one job.
type History struct {
	JobName    string           `json:"jobName"`
	Executions []journal.Record `json:"executions"`
	Total      int              `json:"total"`
	Successes  int              `json:"successes"`
	Failures   int              `json:"failures"`
	Archived   *int64           `json:"archived,omitempty"`
}

// History returns up to limit recent executions of jobName with outcome counts.
func (s *Service) History(ctx context.Context, jobName string, limit int) (History, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	records, err := s.journal.Recent(ctx, jobName, limit)
	if err != nil {
		return History{}, err
	}

	h := History{JobName: jobName, Executions: records, Total: len(records)}
	for _, r := range records {
		switch r.Outcome {
		case journal.OutcomeSuccess:
			h.Successes++
		case journal.OutcomeFailure:
			h.Failures++
		}
	}

	if s.archive != nil {
		count, err := s.archive.Count(ctx, jobName)
		if err != nil {
			s.logger.Warn().Err(err).Str("job", jobName).Msg("failed to count archived executions")
		} else {
			h.Archived = &count
		}
	}
	return h, nil
}

// Histories returns the history of every registered job, plus any job that
// only has a journal in the store (for example one run by a newer release).
func (s *Service) Histories(ctx context.Context, limit int) ([]History, error) {
	names, err := s.knownJobs(ctx)
	if err != nil {
		return nil, err
	}

	histories := make([]History, 0, len(names))
	for _, name := range names {
		h, err := s.History(ctx, name, limit)
		if err != nil {
			return nil, err
		}
		histories = append(histories, h)
	}
	return histories, nil
}

func (s *Service) knownJobs(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var names []string
	for _, spec := range s.catalog.Jobs() {
		if !seen[spec.Name] {
			seen[spec.Name] = true
			names = append(names, spec.Name)
		}
	}

	keys, err := s.store.Keys(ctx, s.journal.KeyPrefix()+":*")
	if err != nil {
		return nil, fmt.Errorf("list journals: %w", err)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if name, ok := s.journal.JobName(key); ok && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names, nil
}

// KeyInventory is every key in the store grouped by namespace.
type KeyInventory struct {
	Total   int      `json:"total"`
	Keys    []string `json:"keys"`
	Lock    []string `json:"lock"`
	Journal []string `json:"journal"`
	Other   []string `json:"other"`
}

// KeyInventory lists and categorizes all keys in the store.
func (s *Service) KeyInventory(ctx context.Context) (KeyInventory, error) {
	keys, err := s.store.Keys(ctx, "*")
	if err != nil {
		return KeyInventory{}, fmt.Errorf("list keys: %w", err)
	}
	sort.Strings(keys)

	inv := KeyInventory{
		Total:   len(keys),
		Keys:    keys,
		Lock:    []string{},
		Journal: []string{},
		Other:   []string{},
	}
	for _, key := range keys {
		switch {
		case strings.HasPrefix(key, s.locks.KeyPrefix()+":"):
			inv.Lock = append(inv.Lock, key)
		case strings.HasPrefix(key, s.journal.KeyPrefix()+":"):
			inv.Journal = append(inv.Journal, key)
		default:
			inv.Other = append(inv.Other, key)
		}
	}
	return inv, nil
}

// Liveness is the outcome of a store round trip.
type Liveness struct {
	StoreReachable bool          `json:"storeReachable"`
	Status         string        `json:"status"`
	InstanceID     string        `json:"instanceId"`
	CheckedAt      time.Time     `json:"checkedAt"`
	Latency        time.Duration `json:"latencyNanos"`
	Error          string        `json:"error,omitempty"`
}

// Liveness writes, reads back and deletes a probe key.
// An unreachable store is reported in the result, never as an error.
func (s *Service) Liveness(ctx context.Context) Liveness {
	checkedAt := s.now()
	result := Liveness{
		InstanceID: s.locks.InstanceID(),
		CheckedAt:  checkedAt.UTC(),
	}

	start := time.Now()
	err := s.probe(ctx, checkedAt)
	result.Latency = time.Since(start)
	if err != nil {
		result.Status = StatusDisconnected
		result.Error = err.Error()
		s.logger.Warn().Err(err).Msg("lease store liveness probe failed")
	} else {
		result.StoreReachable = true
		result.Status = StatusConnected
	}
	metrics.SetStoreReachable(result.StoreReachable)
	return result
}

func (s *Service) probe(ctx context.Context, at time.Time) error {
	key := s.probePrefix + ":" + s.locks.InstanceID() + ":" + strconv.FormatInt(at.UnixNano(), 10)
	value := strconv.FormatInt(at.UnixNano(), 10)

	if err := s.store.Set(ctx, key, value, probeTTL); err != nil {
		return fmt.Errorf("write probe: %w", err)
	}
	got, err := s.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("read probe: %w", err)
	}
	if got != value {
		return fmt.Errorf("read probe: got %q, wrote %q", got, value)
	}
	if _, err := s.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete probe: %w", err)
	}
	return nil
}

// JobSummary is the registered schedule of a job.
type JobSummary struct {
	IntervalSeconds  float64  `json:"intervalSeconds"`
	MinHoldSeconds   float64  `json:"minHoldSeconds"`
	MaxHoldSeconds   float64  `json:"maxHoldSeconds"`
	RetentionSeconds float64  `json:"retentionSeconds"`
	Heartbeat        bool     `json:"heartbeat"`
	Aliases          []string `json:"aliases,omitempty"`
}

// TaskDetails combines a job's schedule, lease and history.
type TaskDetails struct {
	JobName    string      `json:"jobName"`
	Registered bool        `json:"registered"`
	Schedule   *JobSummary `json:"schedule,omitempty"`
	Lease      LeaseInfo   `json:"lease"`
	History    History     `json:"history"`
}

// Resolve maps a job name or alias to a registered job name, matching
// case-insensitively. Unknown names are returned unchanged.
func (s *Service) Resolve(nameOrAlias string) string {
	name := strings.TrimSpace(nameOrAlias)
	for _, spec := range s.catalog.Jobs() {
		if strings.EqualFold(spec.Name, name) {
			return spec.Name
		}
		for _, alias := range spec.Aliases {
			if strings.EqualFold(alias, name) {
				return spec.Name
			}
		}
	}
	return name
}

// TaskDetails resolves nameOrAlias and reports everything known about it.
func (s *Service) TaskDetails(ctx context.Context, nameOrAlias string, limit int) (TaskDetails, error) {
	name := s.Resolve(nameOrAlias)
	details := TaskDetails{JobName: name}

	for _, spec := range s.catalog.Jobs() {
		if spec.Name == name {
			details.Registered = true
			details.Schedule = &JobSummary{
				IntervalSeconds:  spec.Interval.Seconds(),
				MinHoldSeconds:   spec.MinHold.Seconds(),
				MaxHoldSeconds:   spec.MaxHold.Seconds(),
				RetentionSeconds: spec.Retention.Seconds(),
				Heartbeat:        spec.Heartbeat > 0,
				Aliases:          spec.Aliases,
			}
			break
		}
	}

	lease, err := s.Lease(ctx, name)
	if err != nil {
		return details, err
	}
	details.Lease = lease

	history, err := s.History(ctx, name, limit)
	if err != nil {
		return details, err
	}
	details.History = history
	return details, nil
}

// Clear deletes the execution history of the named jobs, or of every known
// job when none are named. Leases are never touched. It returns how many
// journals were actually deleted.
func (s *Service) Clear(ctx context.Context, jobNames ...string) (int, error) {
	if len(jobNames) == 0 {
		names, err := s.knownJobs(ctx)
		if err != nil {
			return 0, err
		}
		jobNames = names
	}

	cleared := 0
	for _, name := range jobNames {
		ok, err := s.journal.Clear(ctx, s.Resolve(name))
		if err != nil {
			return cleared, err
		}
		if ok {
			cleared++
		}
	}

	s.logger.Info().Int("cleared", cleared).Strs("jobs", jobNames).Msg("execution history cleared")
	return cleared, nil
}
