// Package lock provides the lease manager that lets many service instances
// run the same periodic jobs while at most one of them executes a given job
// at any time.
package lock

import (
	"errors"
	"time"
)

// DefaultKeyPrefix namespaces lease keys apart from journal keys.
const DefaultKeyPrefix = "shedlock"

var (
	// ErrLeaseLost is returned when a lease is no longer held by this instance,
	// typically because it expired and another instance claimed it.
	ErrLeaseLost = errors.New("lease not held by this instance")

	// ErrInvalidArgument is returned for empty job names, missing leases or
	// non-positive durations.
	ErrInvalidArgument = errors.New("invalid lease argument")
)

// Lease is a time-bounded claim on a named job.
// It is only ever held by the instance that acquired it.
type Lease struct {
	// JobName is the job class the lease guards.
	JobName string

	// Key is the store key backing the lease.
	Key string

	// HolderToken identifies this acquisition. Release and Extend only act
	// when the stored value still equals this token.
	HolderToken string

	// AcquiredAt is the local time at which the claim succeeded.
	AcquiredAt time.Time

	// MaxHold is the TTL the store enforces on the lease.
	MaxHold time.Duration
}

// Deadline returns the local estimate of when the store reclaims the lease
// if it is never extended.
func (l *Lease) Deadline() time.Time {
	return l.AcquiredAt.Add(l.MaxHold)
}

// ReleaseOutcome describes what Release did with a lease.
type ReleaseOutcome string

const (
	// ReleaseReleased means the lease key was deleted by its holder.
	ReleaseReleased ReleaseOutcome = "released"

	// ReleaseStale means the lease had already expired and possibly been
	// claimed by someone else; nothing was touched.
	ReleaseStale ReleaseOutcome = "stale"

	// ReleaseDeferred means the caller gave up before the min-hold elapsed;
	// the lease TTL was shortened so it expires exactly at the min-hold boundary.
	ReleaseDeferred ReleaseOutcome = "deferred"
)
