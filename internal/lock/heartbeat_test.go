package lock

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestHeartbeat_KeepsLeaseAlive(t *testing.T) {
	store := newMemoryStore(t)
	m := newTestManager(t, store, "instance-a")
	ctx := context.Background()

	lease, err := m.TryAcquire(ctx, "job", 150*time.Millisecond)
	if err != nil || lease == nil {
		t.Fatalf("Failed to acquire lease: %v", err)
	}

	hb := NewHeartbeat(m, lease, 150*time.Millisecond, zerolog.Nop(), WithRenewalRate(30*time.Millisecond))
	hb.Start(ctx)

	// Wait well past the original TTL
	time.Sleep(400 * time.Millisecond)

	held, err := m.IsHeld(ctx, lease)
	if err != nil {
		t.Fatalf("IsHeld failed: %v", err)
	}
	if !held {
		t.Error("Expected heartbeat to keep the lease alive")
	}
	if hb.Lost() {
		t.Error("Expected heartbeat not to report a lost lease")
	}

	hb.Stop()
}

func TestHeartbeat_ReportsLostLease(t *testing.T) {
	store := newMemoryStore(t)
	m := newTestManager(t, store, "instance-a")
	ctx := context.Background()

	lease, err := m.TryAcquire(ctx, "job", time.Second)
	if err != nil || lease == nil {
		t.Fatalf("Failed to acquire lease: %v", err)
	}

	var lostErr atomic.Value
	hb := NewHeartbeat(m, lease, time.Second, zerolog.Nop(),
		WithRenewalRate(20*time.Millisecond),
		WithOnLost(func(err error) { lostErr.Store(err) }),
	)
	hb.Start(ctx)

	// Simulate another instance taking over after expiry
	if err := store.Set(ctx, lease.Key, "instance-b:other", time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if !hb.Lost() {
		t.Fatal("Expected heartbeat to detect lost lease")
	}
	err, _ = lostErr.Load().(error)
	if !errors.Is(err, ErrLeaseLost) {
		t.Errorf("Expected ErrLeaseLost in callback, got %v", err)
	}

	// Stop after the loop already exited must not block
	hb.Stop()
}

func TestHeartbeat_GivesUpAfterTTLWithoutRenewal(t *testing.T) {
	store := newMemoryStore(t)
	m := newTestManager(t, store, "instance-a")
	ctx := context.Background()

	lease, err := m.TryAcquire(ctx, "job", 100*time.Millisecond)
	if err != nil || lease == nil {
		t.Fatalf("Failed to acquire lease: %v", err)
	}

	var calls atomic.Int32
	hb := NewHeartbeat(m, lease, 100*time.Millisecond, zerolog.Nop(),
		WithRenewalRate(20*time.Millisecond),
		WithOnLost(func(error) { calls.Add(1) }),
	)

	// Store outage: every extension fails with ErrUnavailable
	_ = store.Close()
	hb.Start(ctx)

	time.Sleep(250 * time.Millisecond)
	hb.Stop()

	if !hb.Lost() {
		t.Error("Expected lease to be reported lost once a full TTL passed without renewal")
	}
	if calls.Load() != 1 {
		t.Errorf("Expected exactly one onLost callback, got %d", calls.Load())
	}
}

func TestHeartbeat_ContextCancellation(t *testing.T) {
	store := newMemoryStore(t)
	m := newTestManager(t, store, "instance-a")

	lease, err := m.TryAcquire(context.Background(), "job", time.Second)
	if err != nil || lease == nil {
		t.Fatalf("Failed to acquire lease: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	hb := NewHeartbeat(m, lease, time.Second, zerolog.Nop(), WithRenewalRate(20*time.Millisecond))
	hb.Start(ctx)

	cancel()

	done := make(chan struct{})
	go func() {
		hb.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Stop did not return in time")
	}
}
