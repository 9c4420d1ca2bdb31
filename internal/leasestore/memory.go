package leasestore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type entry struct {
	value     string
	list      []string
	isList    bool
	expiresAt time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !e.expiresAt.After(now)
}

// MemoryStore is an in-process implementation of Store for tests and
// single-node deployments. A closed MemoryStore reports ErrUnavailable,
// which makes it usable for simulating store outages.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
	closed  bool

	cleanupInterval time.Duration
	stopCh          chan struct{}
	closeOnce       sync.Once
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the clock used to evaluate expirations.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// WithCleanupInterval sets how often expired entries are purged in the background.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		s.cleanupInterval = d
	}
}

// NewMemoryStore creates a new in-memory store.
// It starts a background goroutine to purge expired entries.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries:         make(map[string]*entry),
		now:             time.Now,
		cleanupInterval: time.Minute,
		stopCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.cleanupLoop()
	return s
}

// lookup returns the live entry for key. Callers must hold s.mu.
func (s *MemoryStore) lookup(key string) (*entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(s.now()) {
		delete(s.entries, key)
		return nil, false
	}
	return e, true
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// begin locks the store and reports ErrUnavailable once closed.
func (s *MemoryStore) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrUnavailable
	}
	return nil
}

// SetIfAbsent implements Store.SetIfAbsent.
func (s *MemoryStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("%w: ttl must be > 0", ErrInvalidArgument)
	}
	if err := s.begin(ctx); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	if _, exists := s.lookup(key); exists {
		return false, nil
	}
	s.entries[key] = &entry{value: value, expiresAt: s.expiry(ttl)}
	return true, nil
}

// CompareAndDelete implements Store.CompareAndDelete.
func (s *MemoryStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	if err := s.begin(ctx); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok || e.isList || e.value != expected {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

// CompareAndExpire implements Store.CompareAndExpire.
func (s *MemoryStore) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("%w: ttl must be > 0", ErrInvalidArgument)
	}
	if err := s.begin(ctx); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok || e.isList || e.value != expected {
		return false, nil
	}
	e.expiresAt = s.expiry(ttl)
	return true, nil
}

// Get implements Store.Get.
func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	if err := s.begin(ctx); err != nil {
		return "", err
	}
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		return "", ErrNotFound
	}
	if e.isList {
		return "", ErrWrongType
	}
	return e.value, nil
}

// Set implements Store.Set.
func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()

	s.entries[key] = &entry{value: value, expiresAt: s.expiry(ttl)}
	return nil
}

// Delete implements Store.Delete.
func (s *MemoryStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	if err := s.begin(ctx); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	var deleted int64
	for _, key := range keys {
		if _, ok := s.lookup(key); ok {
			delete(s.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

// TTL implements Store.TTL.
func (s *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := s.begin(ctx); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		return 0, ErrNotFound
	}
	if e.expiresAt.IsZero() {
		return NoExpiry, nil
	}
	return e.expiresAt.Sub(s.now()), nil
}

// PushFront implements Store.PushFront.
func (s *MemoryStore) PushFront(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) (int64, error) {
	if err := s.begin(ctx); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		e = &entry{isList: true}
		s.entries[key] = e
	}
	if !e.isList {
		return 0, ErrWrongType
	}

	e.list = append([]string{value}, e.list...)
	if maxLen > 0 && int64(len(e.list)) > maxLen {
		e.list = e.list[:maxLen]
	}
	if ttl > 0 {
		e.expiresAt = s.expiry(ttl)
	}
	return int64(len(e.list)), nil
}

// Range implements Store.Range.
func (s *MemoryStore) Range(ctx context.Context, key string, start, stop int64) ([]string, error) {
	if err := s.begin(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		return []string{}, nil
	}
	if !e.isList {
		return nil, ErrWrongType
	}

	from, to, ok := listBounds(int64(len(e.list)), start, stop)
	if !ok {
		return []string{}, nil
	}
	out := make([]string, to-from+1)
	copy(out, e.list[from:to+1])
	return out, nil
}

// listBounds converts LRANGE-style indexes into a valid inclusive slice window.
func listBounds(length, start, stop int64) (int64, int64, bool) {
	if start < 0 {
		start += length
	}
	if stop < 0 {
		stop += length
	}
	if start < 0 {
		start = 0
	}
	if stop >= length {
		stop = length - 1
	}
	if length == 0 || start > stop || start >= length {
		return 0, 0, false
	}
	return start, stop, true
}

// Expire implements Store.Expire.
func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := s.begin(ctx); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		return false, nil
	}
	if ttl <= 0 {
		delete(s.entries, key)
		return true, nil
	}
	e.expiresAt = s.expiry(ttl)
	return true, nil
}

// Keys implements Store.Keys with Redis glob semantics.
func (s *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	if !validGlob(pattern) {
		return nil, fmt.Errorf("%w: bad pattern %q", ErrInvalidArgument, pattern)
	}
	if err := s.begin(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	keys := make([]string, 0)
	for key := range s.entries {
		if _, ok := s.lookup(key); !ok {
			continue
		}
		if matchGlob(pattern, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping implements Store.Ping.
func (s *MemoryStore) Ping(ctx context.Context) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	s.mu.Unlock()
	return nil
}

// Close stops the cleanup goroutine. Subsequent operations return ErrUnavailable.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.stopCh)
	})
	return nil
}

// Len returns the number of live entries (for testing).
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key := range s.entries {
		if _, ok := s.lookup(key); ok {
			n++
		}
	}
	return n
}

func (s *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
		}
	}
}
