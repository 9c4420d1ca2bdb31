package introspect

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kneutral-org/jobguard/internal/journal"
	"github.com/kneutral-org/jobguard/internal/leasestore"
	"github.com/kneutral-org/jobguard/internal/lock"
	"github.com/kneutral-org/jobguard/internal/runner"
)

type staticCatalog []runner.JobSpec

func (c staticCatalog) Jobs() []runner.JobSpec {
	return c
}

type fakeArchive struct {
	count int64
	err   error
}

func (a *fakeArchive) Count(ctx context.Context, jobName string) (int64, error) {
	return a.count, a.err
}

var testCatalog = staticCatalog{
	{Name: "dataSyncTask", Interval: 30 * time.Second, MinHold: 5 * time.Second, MaxHold: 25 * time.Second, Retention: 5 * time.Minute, Aliases: []string{"datasync"}},
	{Name: "healthCheck", Interval: 15 * time.Second, MinHold: 2 * time.Second, MaxHold: 10 * time.Second, Retention: 3 * time.Minute, Aliases: []string{"health"}},
}

type fixture struct {
	svc     *Service
	store   leasestore.Store
	locks   *lock.Manager
	journal *journal.Journal
	mr      *miniredis.Miniredis
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	store := leasestore.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() {
		_ = store.Close()
		mr.Close()
	})

	locks := lock.NewManager(store, zerolog.Nop(), lock.WithInstanceID("instance-a"))
	j := journal.New(store, zerolog.Nop())
	return &fixture{
		svc:     New(store, locks, j, testCatalog, zerolog.Nop(), opts...),
		store:   store,
		locks:   locks,
		journal: j,
		mr:      mr,
	}
}

func (f *fixture) appendRecord(t *testing.T, job string, outcome journal.Outcome) {
	t.Helper()
	err := f.journal.Append(context.Background(), journal.Record{
		JobName:        job,
		InstanceID:     "instance-a",
		StartedAt:      time.Now().UTC(),
		DurationMillis: 100,
		Outcome:        outcome,
	}, time.Minute)
	require.NoError(t, err)
}

func TestService_Leases(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	lease, err := f.locks.TryAcquire(ctx, "dataSyncTask", 25*time.Second)
	require.NoError(t, err)
	require.NotNil(t, lease)
	require.NoError(t, f.store.Set(ctx, f.locks.Key("manual"), "operator", 0))

	leases, err := f.svc.Leases(ctx)
	require.NoError(t, err)
	require.Len(t, leases, 2)

	assert.Equal(t, "dataSyncTask", leases[0].JobName)
	assert.True(t, leases[0].Held)
	assert.Equal(t, lease.HolderToken, leases[0].HolderToken)
	assert.True(t, strings.HasPrefix(leases[0].HolderToken, "instance-a:"))
	assert.Equal(t, int64(25), leases[0].TTLSeconds)
	require.NotNil(t, leases[0].ExpiresAt)
	assert.Equal(t, now.Add(25*time.Second), *leases[0].ExpiresAt)

	assert.Equal(t, "manual", leases[1].JobName)
	assert.True(t, leases[1].Persistent)
	assert.Equal(t, int64(-1), leases[1].TTLSeconds)
	assert.Nil(t, leases[1].ExpiresAt)
}

func TestService_Lease_NotHeld(t *testing.T) {
	f := newFixture(t)

	info, err := f.svc.Lease(context.Background(), "healthCheck")
	require.NoError(t, err)
	assert.False(t, info.Held)
	assert.Equal(t, "shedlock:healthCheck", info.Key)
}

func TestService_Lease_Expired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.locks.TryAcquire(ctx, "healthCheck", 10*time.Second)
	require.NoError(t, err)
	f.mr.FastForward(11 * time.Second)

	info, err := f.svc.Lease(ctx, "healthCheck")
	require.NoError(t, err)
	assert.False(t, info.Held)

	leases, err := f.svc.Leases(ctx)
	require.NoError(t, err)
	assert.Empty(t, leases)
}

func TestService_History(t *testing.T) {
	f := newFixture(t, WithArchive(&fakeArchive{count: 42}))

	f.appendRecord(t, "dataSyncTask", journal.OutcomeSuccess)
	f.appendRecord(t, "dataSyncTask", journal.OutcomeFailure)
	f.appendRecord(t, "dataSyncTask", journal.OutcomeSuccess)

	h, err := f.svc.History(context.Background(), "dataSyncTask", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, h.Total)
	assert.Equal(t, 2, h.Successes)
	assert.Equal(t, 1, h.Failures)
	require.NotNil(t, h.Archived)
	assert.Equal(t, int64(42), *h.Archived)

	limited, err := f.svc.History(context.Background(), "dataSyncTask", 2)
	require.NoError(t, err)
	assert.Len(t, limited.Executions, 2)
}

func TestService_History_ArchiveFailureIgnored(t *testing.T) {
	f := newFixture(t, WithArchive(&fakeArchive{err: errors.New("db down")}))
	f.appendRecord(t, "healthCheck", journal.OutcomeSuccess)

	h, err := f.svc.History(context.Background(), "healthCheck", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Total)
	assert.Nil(t, h.Archived)
}

func TestService_Histories(t *testing.T) {
	f := newFixture(t)
	f.appendRecord(t, "healthCheck", journal.OutcomeSuccess)
	f.appendRecord(t, "retiredJob", journal.OutcomeSuccess)

	histories, err := f.svc.Histories(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, histories, 3)

	assert.Equal(t, "dataSyncTask", histories[0].JobName)
	assert.Equal(t, 0, histories[0].Total)
	assert.NotNil(t, histories[0].Executions)
	assert.Equal(t, "healthCheck", histories[1].JobName)
	assert.Equal(t, 1, histories[1].Total)
	assert.Equal(t, "retiredJob", histories[2].JobName)
}

func TestService_KeyInventory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.locks.TryAcquire(ctx, "dataSyncTask", time.Minute)
	require.NoError(t, err)
	f.appendRecord(t, "dataSyncTask", journal.OutcomeSuccess)
	require.NoError(t, f.store.Set(ctx, "unrelated", "x", 0))

	inv, err := f.svc.KeyInventory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, inv.Total)
	assert.Equal(t, []string{"executions:dataSyncTask", "shedlock:dataSyncTask", "unrelated"}, inv.Keys)
	assert.Equal(t, []string{"shedlock:dataSyncTask"}, inv.Lock)
	assert.Equal(t, []string{"executions:dataSyncTask"}, inv.Journal)
	assert.Equal(t, []string{"unrelated"}, inv.Other)
}

func TestService_Liveness(t *testing.T) {
	f := newFixture(t)

	result := f.svc.Liveness(context.Background())
	assert.True(t, result.StoreReachable)
	assert.Equal(t, StatusConnected, result.Status)
	assert.Equal(t, "instance-a", result.InstanceID)
	assert.Empty(t, result.Error)

	keys, err := f.store.Keys(context.Background(), DefaultProbePrefix+":*")
	require.NoError(t, err)
	assert.Empty(t, keys, "probe key must be removed")
}

func TestService_Liveness_StoreDown(t *testing.T) {
	store := leasestore.NewMemoryStore()
	locks := lock.NewManager(store, zerolog.Nop(), lock.WithInstanceID("instance-a"))
	svc := New(store, locks, journal.New(store, zerolog.Nop()), testCatalog, zerolog.Nop())
	require.NoError(t, store.Close())

	result := svc.Liveness(context.Background())
	assert.False(t, result.StoreReachable)
	assert.Equal(t, StatusDisconnected, result.Status)
	assert.Contains(t, result.Error, "write probe")
}

func TestService_Resolve(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, "dataSyncTask", f.svc.Resolve("datasync"))
	assert.Equal(t, "dataSyncTask", f.svc.Resolve("DataSyncTask"))
	assert.Equal(t, "healthCheck", f.svc.Resolve("HEALTH"))
	assert.Equal(t, "somethingElse", f.svc.Resolve(" somethingElse "))
}

func TestService_TaskDetails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.locks.TryAcquire(ctx, "healthCheck", 10*time.Second)
	require.NoError(t, err)
	f.appendRecord(t, "healthCheck", journal.OutcomeSuccess)

	details, err := f.svc.TaskDetails(ctx, "health", 10)
	require.NoError(t, err)
	assert.Equal(t, "healthCheck", details.JobName)
	assert.True(t, details.Registered)
	require.NotNil(t, details.Schedule)
	assert.Equal(t, float64(15), details.Schedule.IntervalSeconds)
	assert.True(t, details.Lease.Held)
	assert.Equal(t, 1, details.History.Total)

	unknown, err := f.svc.TaskDetails(ctx, "nope", 10)
	require.NoError(t, err)
	assert.False(t, unknown.Registered)
	assert.Nil(t, unknown.Schedule)
	assert.False(t, unknown.Lease.Held)
}

func TestService_Clear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	lease, err := f.locks.TryAcquire(ctx, "dataSyncTask", time.Minute)
	require.NoError(t, err)
	f.appendRecord(t, "dataSyncTask", journal.OutcomeSuccess)
	f.appendRecord(t, "healthCheck", journal.OutcomeSuccess)

	cleared, err := f.svc.Clear(ctx, "datasync")
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)

	cleared, err = f.svc.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cleared, "only the remaining journal is deleted")

	held, err := f.locks.IsHeld(ctx, lease)
	require.NoError(t, err)
	assert.True(t, held, "clear must never touch leases")
}

func TestService_StoreUnavailable(t *testing.T) {
	store := leasestore.NewMemoryStore()
	locks := lock.NewManager(store, zerolog.Nop())
	svc := New(store, locks, journal.New(store, zerolog.Nop()), testCatalog, zerolog.Nop())
	require.NoError(t, store.Close())

	_, err := svc.Leases(context.Background())
	assert.ErrorIs(t, err, leasestore.ErrUnavailable)

	_, err = svc.KeyInventory(context.Background())
	assert.ErrorIs(t, err, leasestore.ErrUnavailable)

	_, err = svc.Histories(context.Background(), 0)
	assert.ErrorIs(t, err, leasestore.ErrUnavailable)
}

func TestService_NestedJobNamesOnEveryBackend(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	backends := map[string]leasestore.Store{
		"memory": leasestore.NewMemoryStore(),
		"redis":  leasestore.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()})),
	}

	for name, store := range backends {
		t.Run(name, func(t *testing.T) {
			t.Cleanup(func() { _ = store.Close() })
			ctx := context.Background()
			locks := lock.NewManager(store, zerolog.Nop(), lock.WithInstanceID("instance-a"))
			j := journal.New(store, zerolog.Nop())
			svc := New(store, locks, j, staticCatalog{}, zerolog.Nop())

			lease, err := locks.TryAcquire(ctx, "reports/daily", time.Minute)
			require.NoError(t, err)
			require.NotNil(t, lease)
			require.NoError(t, j.Append(ctx, journal.Record{
				JobName:    "reports/daily",
				InstanceID: "instance-a",
				StartedAt:  time.Now().UTC(),
				Outcome:    journal.OutcomeSuccess,
			}, time.Minute))

			leases, err := svc.Leases(ctx)
			require.NoError(t, err)
			require.Len(t, leases, 1)
			assert.Equal(t, "reports/daily", leases[0].JobName)

			inv, err := svc.KeyInventory(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, inv.Total)
			assert.Equal(t, []string{"shedlock:reports/daily"}, inv.Lock)
			assert.Equal(t, []string{"executions:reports/daily"}, inv.Journal)

			histories, err := svc.Histories(ctx, 0)
			require.NoError(t, err)
			require.Len(t, histories, 1)
			assert.Equal(t, "reports/daily", histories[0].JobName)
			assert.Equal(t, 1, histories[0].Total)
		})
	}
}
