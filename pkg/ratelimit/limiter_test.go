package ratelimit

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/nexus/pkg/config"
	"github.com/Mindburn-Labs/nexus/pkg/database"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func newSQLiteStore(t *testing.T) (*SQLCounterStore, *database.DB) {
	t.Helper()
	db, err := database.Open("sqlite", filepath.Join(t.TempDir(), "rate.db"), database.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s, err := NewSQLCounterStore(db)
	require.NoError(t, err)
	return s, db
}

func testConfig() config.RateLimitConfig {
	cfg := config.Default().RateLimit
	cfg.Vote = config.Ceiling{PerMinute: 2, PerHour: 3}
	return cfg
}

var base = time.Date(2026, 3, 1, 10, 0, 10, 0, time.UTC)

func TestLimiter_CeilingThenRollover(t *testing.T) {
	store, _ := newSQLiteStore(t)
	clock := &fakeClock{t: base}
	l := New(store, config.Default().RateLimit, WithClock(clock.Now))
	ctx := context.Background()

	// propose: 2 per minute
	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, "NODE_A", ClassPropose)
		require.NoError(t, err)
		assert.True(t, d.Permitted, "call %d should be permitted", i+1)
	}

	d, err := l.Allow(ctx, "NODE_A", ClassPropose)
	require.NoError(t, err)
	assert.False(t, d.Permitted)
	assert.Equal(t, 50*time.Second, d.RetryAfter, "minute window resets at 10:01:00")
	assert.Equal(t, "minute", d.Tier)
	assert.Equal(t, int64(0), d.Remaining)

	clock.Set(base.Add(50 * time.Second))
	d, err = l.Allow(ctx, "NODE_A", ClassPropose)
	require.NoError(t, err)
	assert.True(t, d.Permitted, "new minute window admits again")
}

func TestLimiter_HourTierAndDeniedCallsNotCounted(t *testing.T) {
	store, _ := newSQLiteStore(t)
	clock := &fakeClock{t: base}
	l := New(store, testConfig(), WithClock(clock.Now))
	ctx := context.Background()

	allow := func() Decision {
		d, err := l.Allow(ctx, "NODE_A", ClassVote)
		require.NoError(t, err)
		return d
	}

	assert.True(t, allow().Permitted)
	assert.True(t, allow().Permitted)
	// Denied by the minute tier; must not consume hour budget.
	assert.False(t, allow().Permitted)
	assert.False(t, allow().Permitted)

	clock.Set(base.Add(time.Minute))
	d := allow()
	assert.True(t, d.Permitted, "hour budget has one call left")
	assert.Equal(t, int64(0), d.Remaining)

	clock.Set(base.Add(2 * time.Minute))
	d = allow()
	assert.False(t, d.Permitted)
	assert.Equal(t, "hour", d.Tier)
	assert.Equal(t, time.Hour-2*time.Minute-10*time.Second, d.RetryAfter)

	clock.Set(base.Add(time.Hour))
	assert.True(t, allow().Permitted)
}

func TestLimiter_ClassesAndClientsAreIndependent(t *testing.T) {
	store, _ := newSQLiteStore(t)
	clock := &fakeClock{t: base}
	l := New(store, config.Default().RateLimit, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := l.Allow(ctx, "NODE_A", ClassPropose)
		require.NoError(t, err)
	}
	d, err := l.Allow(ctx, "NODE_A", ClassRead)
	require.NoError(t, err)
	assert.True(t, d.Permitted)
	assert.Equal(t, int64(49), d.Remaining)

	d, err = l.Allow(ctx, "NODE_B", ClassPropose)
	require.NoError(t, err)
	assert.True(t, d.Permitted)
}

func TestLimiter_CorruptRowsCountAsZero(t *testing.T) {
	store, db := newSQLiteStore(t)
	clock := &fakeClock{t: base}
	l := New(store, config.Default().RateLimit, WithClock(clock.Now))
	ctx := context.Background()

	start := base.Truncate(time.Minute).Unix()
	_, err := db.Exec(`INSERT INTO rate_windows (client_key, tier, window_start, count, expires_at) VALUES
		('propose:NODE_A', 'minute', ?, 'garbage', 0),
		('propose:NODE_A', 'hour', NULL, -7, 0)`, start)
	require.NoError(t, err)

	d, err := l.Allow(ctx, "NODE_A", ClassPropose)
	require.NoError(t, err)
	assert.True(t, d.Permitted)

	var count int64
	require.NoError(t, db.QueryRow(`SELECT count FROM rate_windows WHERE client_key = 'propose:NODE_A' AND tier = 'hour'`).Scan(&count))
	assert.Equal(t, int64(1), count, "corrupt row is rewritten")
}

func TestLimiter_ConcurrentCallsNeverLoseUpdates(t *testing.T) {
	store, _ := newSQLiteStore(t)
	cfg := config.Default().RateLimit
	cfg.LockTimeout = 10 * time.Second
	cfg.Read = config.Ceiling{PerMinute: 5, PerHour: 100}
	clock := &fakeClock{t: base}
	l := New(store, cfg, WithClock(clock.Now))

	var permitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Allow(context.Background(), "NODE_A", ClassRead)
			if err == nil && d.Permitted {
				permitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(5), permitted.Load())
}

// Two separately opened handles on one file stand in for two processes.
func TestLimiter_IndependentHandlesShareBudget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared-rate.db")
	cfg := config.Default().RateLimit
	cfg.LockTimeout = 10 * time.Second
	cfg.Read = config.Ceiling{PerMinute: 5, PerHour: 100}
	clock := &fakeClock{t: base}

	var limiters []*Limiter
	for i := 0; i < 2; i++ {
		db, err := database.Open("sqlite", path, database.Options{BusyTimeout: 10 * time.Second})
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		store, err := NewSQLCounterStore(db)
		require.NoError(t, err)
		limiters = append(limiters, New(store, cfg, WithClock(clock.Now)))
	}

	var permitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		l := limiters[i%2]
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Allow(context.Background(), "NODE_A", ClassRead)
			assert.NoError(t, err)
			if d.Permitted {
				permitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(5), permitted.Load())
}

type failingStore struct{ err error }

func (f failingStore) Take(context.Context, string, []Tier, time.Time) (TakeResult, error) {
	return TakeResult{}, f.err
}

func (f failingStore) Purge(context.Context, time.Time) (int64, error) { return 0, f.err }

type blockingStore struct{}

func (blockingStore) Take(ctx context.Context, _ string, _ []Tier, _ time.Time) (TakeResult, error) {
	<-ctx.Done()
	return TakeResult{}, ctx.Err()
}

func (blockingStore) Purge(context.Context, time.Time) (int64, error) { return 0, nil }

func TestLimiter_FailsClosed(t *testing.T) {
	l := New(failingStore{err: errors.New("database is locked")}, config.Default().RateLimit)

	d, err := l.Allow(context.Background(), "NODE_A", ClassVote)
	require.ErrorIs(t, err, ErrStorage)
	assert.False(t, d.Permitted)
	assert.Equal(t, time.Second, d.RetryAfter)
}

func TestLimiter_LockTimeoutFailsClosed(t *testing.T) {
	cfg := config.Default().RateLimit
	cfg.LockTimeout = 20 * time.Millisecond
	l := New(blockingStore{}, cfg)

	start := time.Now()
	d, err := l.Allow(context.Background(), "NODE_A", ClassVote)
	require.ErrorIs(t, err, ErrStorage)
	assert.False(t, d.Permitted)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestLimiter_UnknownClass(t *testing.T) {
	store, _ := newSQLiteStore(t)
	l := New(store, config.Default().RateLimit)
	d, err := l.Allow(context.Background(), "NODE_A", EndpointClass("admin"))
	assert.ErrorIs(t, err, ErrUnknownClass)
	assert.False(t, d.Permitted)
}

func TestSQLCounterStore_Purge(t *testing.T) {
	store, _ := newSQLiteStore(t)
	ctx := context.Background()
	tiers := tiersFor(config.Ceiling{PerMinute: 5, PerHour: 50})

	_, err := store.Take(ctx, "read:NODE_A", tiers, base)
	require.NoError(t, err)

	n, err := store.Purge(ctx, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only the minute window has ended")
}

func TestRoundUpSeconds(t *testing.T) {
	assert.Equal(t, time.Second, roundUpSeconds(0))
	assert.Equal(t, time.Second, roundUpSeconds(300*time.Millisecond))
	assert.Equal(t, 2*time.Second, roundUpSeconds(1001*time.Millisecond))
	assert.Equal(t, 50*time.Second, roundUpSeconds(50*time.Second))
}

func TestLimiter_Purge(t *testing.T) {
	store, _ := newSQLiteStore(t)
	clock := base
	l := New(store, config.Default().RateLimit, WithClock(func() time.Time { return clock }))

	_, err := l.Allow(context.Background(), "NODE_A", ClassRead)
	require.NoError(t, err)

	clock = base.Add(2 * time.Hour)
	n, err := l.Purge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	broken := New(failingStore{err: assert.AnError}, config.Default().RateLimit)
	_, err = broken.Purge(context.Background())
	assert.ErrorIs(t, err, ErrStorage)
}
