package leasestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultOperationTimeout bounds every single Redis round trip.
const DefaultOperationTimeout = 3 * time.Second

var (
	// compareAndDeleteScript deletes the key only if we still own it.
	compareAndDeleteScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`)

	// compareAndExpireScript refreshes the TTL only if we still own the key.
	compareAndExpireScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		end
		return 0
	`)
)

// RedisStore implements Store on top of Redis.
// Conditional operations use SET NX PX and Lua scripts so each one is a
// single atomic round trip.
type RedisStore struct {
	client  *redis.Client
	timeout time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithOperationTimeout bounds every Redis call made by the store.
func WithOperationTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewRedisStore creates a Redis-backed store using an existing client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:  client,
		timeout: DefaultOperationTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DialRedis parses a redis:// URL, connects and verifies the connection.
func DialRedis(ctx context.Context, url string, opts ...RedisOption) (*RedisStore, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("%w: redis url is required", ErrInvalidArgument)
	}
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("%w: parse redis url", ErrInvalidArgument), err)
	}

	s := NewRedisStore(redis.NewClient(options), opts...)
	if err := s.Ping(ctx); err != nil {
		_ = s.client.Close()
		return nil, err
	}
	return s, nil
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// classify maps Redis errors onto the store's sentinel errors.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return ErrNotFound
	case errors.Is(err, context.Canceled):
		return err
	case strings.HasPrefix(err.Error(), "WRONGTYPE"):
		return errors.Join(ErrWrongType, err)
	default:
		return errors.Join(ErrUnavailable, err)
	}
}

// SetIfAbsent implements Store.SetIfAbsent with SET NX PX.
func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("%w: ttl must be > 0", ErrInvalidArgument)
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, classify(err)
	}
	return ok, nil
}

// CompareAndDelete implements Store.CompareAndDelete.
func (s *RedisStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	result, err := compareAndDeleteScript.Run(ctx, s.client, []string{key}, expected).Int64()
	if err != nil {
		return false, classify(err)
	}
	return result == 1, nil
}

// CompareAndExpire implements Store.CompareAndExpire.
func (s *RedisStore) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("%w: ttl must be > 0", ErrInvalidArgument)
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	result, err := compareAndExpireScript.Run(ctx, s.client, []string{key}, expected, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, classify(err)
	}
	return result == 1, nil
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	value, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return "", classify(err)
	}
	return value, nil
}

// Set implements Store.Set.
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	return classify(s.client.Set(ctx, key, value, ttl).Err())
}

// Delete implements Store.Delete.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// TTL implements Store.TTL using PTTL.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, classify(err)
	}
	// PTTL reports -2 for missing keys and -1 for keys without expiry.
	switch ttl {
	case -2:
		return 0, ErrNotFound
	case -1:
		return NoExpiry, nil
	}
	return ttl, nil
}

// PushFront implements Store.PushFront with LPUSH, LTRIM and PEXPIRE in one MULTI/EXEC.
func (s *RedisStore) PushFront(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var push *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		push = pipe.LPush(ctx, key, value)
		if maxLen > 0 {
			pipe.LTrim(ctx, key, 0, maxLen-1)
		}
		if ttl > 0 {
			pipe.PExpire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return 0, classify(err)
	}

	length := push.Val()
	if maxLen > 0 && length > maxLen {
		length = maxLen
	}
	return length, nil
}

// Range implements Store.Range.
func (s *RedisStore) Range(ctx context.Context, key string, start, stop int64) ([]string, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	values, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, classify(err)
	}
	return values, nil
}

// Expire implements Store.Expire.
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if ttl <= 0 {
		n, err := s.client.Del(ctx, key).Result()
		if err != nil {
			return false, classify(err)
		}
		return n > 0, nil
	}

	ok, err := s.client.PExpire(ctx, key, ttl).Result()
	if err != nil {
		return false, classify(err)
	}
	return ok, nil
}

// Keys implements Store.Keys. It uses SCAN rather than KEYS so that large
// keyspaces do not block the server.
func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	keys := make([]string, 0)
	seen := make(map[string]struct{})
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		return nil, classify(err)
	}
	return keys, nil
}

// Ping implements Store.Ping.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	return classify(s.client.Ping(ctx).Err())
}

// Close implements Store.Close.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
