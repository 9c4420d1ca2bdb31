// Package journal keeps a bounded, time-limited execution history per job in
// the shared lease store. It is an audit trail only; locking correctness
// never depends on it.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kneutral-org/jobguard/internal/leasestore"
)

const (
	// DefaultKeyPrefix namespaces journal lists apart from lease keys.
	DefaultKeyPrefix = "executions"

	// DefaultMaxEntries bounds the length of every job's history.
	DefaultMaxEntries int64 = 100

	// DefaultRetention is applied when Append is called without a retention.
	DefaultRetention = 5 * time.Minute
)

// ErrInvalidRecord is returned when a record cannot be journaled.
var ErrInvalidRecord = errors.New("invalid execution record")

// Outcome is the result of one job execution.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Record is one completed execution attempt. Records are immutable once appended.
type Record struct {
	JobName        string    `json:"jobName"`
	InstanceID     string    `json:"instanceId"`
	StartedAt      time.Time `json:"startedAt"`
	DurationMillis int64     `json:"durationMillis"`
	Outcome        Outcome   `json:"outcome"`
	Detail         string    `json:"detail,omitempty"`
}

// FinishedAt returns the end of the execution window.
func (r Record) FinishedAt() time.Time {
	return r.StartedAt.Add(time.Duration(r.DurationMillis) * time.Millisecond)
}

// Archiver receives a durable copy of every appended record.
type Archiver interface {
	Archive(ctx context.Context, record Record) error
}

// Journal appends and reads execution records.
type Journal struct {
	store            leasestore.Store
	logger           zerolog.Logger
	prefix           string
	maxEntries       int64
	defaultRetention time.Duration
	archive          Archiver
}

// Option configures a Journal.
type Option func(*Journal)

// WithKeyPrefix sets the namespace for journal keys.
func WithKeyPrefix(prefix string) Option {
	return func(j *Journal) {
		if p := strings.TrimRight(strings.TrimSpace(prefix), ":"); p != "" {
			j.prefix = p
		}
	}
}

// WithMaxEntries bounds the per-job history length.
func WithMaxEntries(n int64) Option {
	return func(j *Journal) {
		if n > 0 {
			j.maxEntries = n
		}
	}
}

// WithDefaultRetention sets the retention used when Append receives none.
func WithDefaultRetention(d time.Duration) Option {
	return func(j *Journal) {
		if d > 0 {
			j.defaultRetention = d
		}
	}
}

// WithArchiver mirrors every appended record to a durable archive.
func WithArchiver(a Archiver) Option {
	return func(j *Journal) {
		j.archive = a
	}
}

// New creates a journal over the given store.
func New(store leasestore.Store, logger zerolog.Logger, opts ...Option) *Journal {
	j := &Journal{
		store:            store,
		logger:           logger.With().Str("component", "journal").Logger(),
		prefix:           DefaultKeyPrefix,
		maxEntries:       DefaultMaxEntries,
		defaultRetention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// KeyPrefix returns the namespace used for journal keys.
func (j *Journal) KeyPrefix() string {
	return j.prefix
}

// Key returns the store key of a job's history list.
func (j *Journal) Key(jobName string) string {
	return j.prefix + ":" + jobName
}

// JobName extracts the job name from a journal key.
func (j *Journal) JobName(key string) (string, bool) {
	name, ok := strings.CutPrefix(key, j.prefix+":")
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

// Append pushes record to the front of its job's history, trims the history
// to the configured bound and re-applies retention to the whole list in one
// store operation, so the history of a job that stops running expires on its own.
func (j *Journal) Append(ctx context.Context, record Record, retention time.Duration) error {
	if strings.TrimSpace(record.JobName) == "" {
		return fmt.Errorf("%w: job name is required", ErrInvalidRecord)
	}
	if retention <= 0 {
		retention = j.defaultRetention
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	if _, err := j.store.PushFront(ctx, j.Key(record.JobName), string(data), j.maxEntries, retention); err != nil {
		return fmt.Errorf("append execution of %q: %w", record.JobName, err)
	}

	if j.archive != nil {
		if err := j.archive.Archive(ctx, record); err != nil {
			j.logger.Warn().Err(err).Str("job", record.JobName).Msg("failed to archive execution record")
		}
	}
	return nil
}

// Recent returns up to limit records for jobName, most recent first.
// A limit <= 0 returns the whole retained history.
func (j *Journal) Recent(ctx context.Context, jobName string, limit int) ([]Record, error) {
	stop := int64(limit) - 1
	if limit <= 0 {
		stop = -1
	}

	lines, err := j.store.Range(ctx, j.Key(jobName), 0, stop)
	if err != nil {
		return nil, fmt.Errorf("read executions of %q: %w", jobName, err)
	}

	records := make([]Record, 0, len(lines))
	for _, line := range lines {
		records = append(records, decode(jobName, line))
	}
	return records, nil
}

// decode parses a stored line. Lines that are not JSON records (for example
// written by an older release) are kept as free-form detail.
func decode(jobName, line string) Record {
	var record Record
	if err := json.Unmarshal([]byte(line), &record); err != nil || record.JobName == "" {
		return Record{JobName: jobName, Detail: line}
	}
	return record
}

// Clear deletes a job's entire history. Only administrative tooling calls it.
func (j *Journal) Clear(ctx context.Context, jobName string) (bool, error) {
	n, err := j.store.Delete(ctx, j.Key(jobName))
	if err != nil {
		return false, fmt.Errorf("clear executions of %q: %w", jobName, err)
	}
	return n > 0, nil
}
