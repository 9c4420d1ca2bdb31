package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Heartbeat keeps a lease alive by extending its TTL at a fixed rate while a
// long job runs. It gives up, and reports the lease as lost, when the holder
// token no longer matches or when no extension succeeded for a full TTL.
type Heartbeat struct {
	manager *Manager
	lease   *Lease
	ttl     time.Duration
	logger  zerolog.Logger

	renewalRate time.Duration
	onLost      func(error)

	lost        atomic.Bool
	lastRenewal atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// HeartbeatOption configures a Heartbeat.
type HeartbeatOption func(*Heartbeat)

// WithRenewalRate sets how often the lease is extended.
// Should be significantly less than the TTL (e.g., TTL/3).
func WithRenewalRate(d time.Duration) HeartbeatOption {
	return func(h *Heartbeat) {
		if d > 0 {
			h.renewalRate = d
		}
	}
}

// WithOnLost sets a callback invoked once when the lease is lost.
func WithOnLost(fn func(error)) HeartbeatOption {
	return func(h *Heartbeat) {
		h.onLost = fn
	}
}

// NewHeartbeat creates a heartbeat that extends lease to ttl on every beat.
func NewHeartbeat(manager *Manager, lease *Lease, ttl time.Duration, logger zerolog.Logger, opts ...HeartbeatOption) *Heartbeat {
	h := &Heartbeat{
		manager:     manager,
		lease:       lease,
		ttl:         ttl,
		logger:      logger.With().Str("component", "heartbeat").Str("job", lease.JobName).Logger(),
		renewalRate: ttl / 3,
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.renewalRate <= 0 {
		h.renewalRate = time.Second
	}
	h.lastRenewal.Store(lease.AcquiredAt.UnixNano())
	return h
}

// Start begins extending the lease in the background until Stop is called,
// ctx is cancelled or the lease is lost.
func (h *Heartbeat) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.run(ctx)
}

// Stop halts the heartbeat and waits for the loop to exit.
// It does not release the lease.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()
}

// Lost reports whether the heartbeat detected that the lease was lost.
func (h *Heartbeat) Lost() bool {
	return h.lost.Load()
}

func (h *Heartbeat) run(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.renewalRate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			if !h.beat(ctx) {
				return
			}
		}
	}
}

// beat extends the lease once and reports whether the loop should continue.
func (h *Heartbeat) beat(ctx context.Context) bool {
	err := h.manager.Extend(ctx, h.lease, h.ttl)
	if err == nil {
		h.lastRenewal.Store(time.Now().UnixNano())
		h.logger.Debug().Msg("lease extended")
		return true
	}

	if errors.Is(err, ErrLeaseLost) {
		h.markLost(err)
		return false
	}

	// Transient store failure: the lease survives until its TTL runs out.
	sinceRenewal := time.Since(time.Unix(0, h.lastRenewal.Load()))
	if sinceRenewal >= h.ttl {
		h.markLost(errors.Join(ErrLeaseLost, err))
		return false
	}
	h.logger.Warn().Err(err).Dur("sinceRenewal", sinceRenewal).Msg("failed to extend lease, will retry")
	return true
}

func (h *Heartbeat) markLost(err error) {
	if !h.lost.CompareAndSwap(false, true) {
		return
	}
	h.logger.Warn().Err(err).Msg("lease lost")
	if h.onLost != nil {
		h.onLost(err)
	}
}
