package statestore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rcourtman/voicegate/pkg/entitlement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ entitlement.AtomicStore = (*Memory)(nil)
	_ entitlement.AtomicStore = (*SQLite)(nil)
	_ entitlement.AtomicStore = (*Redis)(nil)
)

func backends(t *testing.T) map[string]entitlement.AtomicStore {
	t.Helper()

	sqlite, err := OpenSQLite(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	mr := miniredis.RunT(t)
	rds, err := OpenRedis(context.Background(), RedisOptions{Addr: mr.Addr(), Prefix: "test:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rds.Close() })

	return map[string]entitlement.AtomicStore{
		"memory": NewMemory(),
		"sqlite": sqlite,
		"redis":  rds,
	}
}

func TestStoreGetSetDelete(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := store.Get("missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, store.Set("k", "v1"))
			v, ok, err := store.Get("k")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "v1", v)

			require.NoError(t, store.Set("k", "v2"))
			v, _, err = store.Get("k")
			require.NoError(t, err)
			assert.Equal(t, "v2", v)

			require.NoError(t, store.Delete("k"))
			_, ok, err = store.Get("k")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, store.Delete("never-set"))
		})
	}
}

func TestStoreIncr(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			n, err := store.Incr("usage:2026-10-19")
			require.NoError(t, err)
			assert.EqualValues(t, 1, n)

			n, err = store.Incr("usage:2026-10-19")
			require.NoError(t, err)
			assert.EqualValues(t, 2, n)

			v, ok, err := store.Get("usage:2026-10-19")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "2", v)

			require.NoError(t, store.Set("text", "abc"))
			_, err = store.Incr("text")
			assert.Error(t, err)
		})
	}
}

func TestStoreIncrConcurrent(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			const workers, perWorker = 8, 25
			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for j := 0; j < perWorker; j++ {
						_, err := store.Incr("counter")
						assert.NoError(t, err)
					}
				}()
			}
			wg.Wait()

			v, _, err := store.Get("counter")
			require.NoError(t, err)
			assert.Equal(t, "200", v)
		})
	}
}

func TestStoreSetIfAbsent(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			created, err := store.SetIfAbsent("trial", "first")
			require.NoError(t, err)
			assert.True(t, created)

			created, err = store.SetIfAbsent("trial", "second")
			require.NoError(t, err)
			assert.False(t, created)

			v, _, err := store.Get("trial")
			require.NoError(t, err)
			assert.Equal(t, "first", v)
		})
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	first, err := OpenSQLite(dir)
	require.NoError(t, err)
	require.NoError(t, first.Set("entitlement", `{"is_premium":true}`))
	_, err = first.Incr("usage:2026-10-19")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := OpenSQLite(dir)
	require.NoError(t, err)
	defer second.Close()

	v, ok, err := second.Get("entitlement")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"is_premium":true}`, v)

	n, err := second.Incr("usage:2026-10-19")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestSQLiteClosedStoreErrors(t *testing.T) {
	store, err := OpenSQLite(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, _, err = store.Get("k")
	assert.ErrorIs(t, err, errStoreClosed)
	assert.ErrorIs(t, store.Set("k", "v"), errStoreClosed)
}

func TestOpenSQLiteRequiresDir(t *testing.T) {
	_, err := OpenSQLite("  ")
	assert.Error(t, err)
}

func TestRedisPrefixesKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := OpenRedis(context.Background(), RedisOptions{Addr: mr.Addr(), Prefix: "vg:"})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Set("user:u1:entitlement", "x"))
	got, err := mr.Get("vg:user:u1:entitlement")
	require.NoError(t, err)
	assert.Equal(t, "x", got)
}

func TestRedisUnreachableReturnsErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := OpenRedis(context.Background(), RedisOptions{Addr: mr.Addr()})
	require.NoError(t, err)
	defer store.Close()

	mr.Close()

	_, _, err = store.Get("k")
	assert.Error(t, err)
}

func TestOpenRedisFailsWithoutServer(t *testing.T) {
	_, err := OpenRedis(context.Background(), RedisOptions{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestEngineRecoversCorruptStateOnEveryBackend(t *testing.T) {
	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	policy := entitlement.DefaultPolicy()
	policy.Location = time.UTC
	ctx := context.Background()

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Set("user:u1:usage:"+policy.DayKey(now), "garbage"))
			require.NoError(t, store.Set("user:u2:trial_started_at", "yesterday"))

			free := entitlement.NewEngine(entitlement.Options{UserID: "u1", Store: store, Policy: policy})
			require.NoError(t, free.RecordUsage(now))
			usage := free.CheckQuota(ctx, now)
			assert.Equal(t, 1, usage.SessionsToday)
			assert.False(t, usage.WithinQuota)

			require.NoError(t, free.RecordUsage(now.Add(time.Minute)))
			assert.Equal(t, 2, free.CheckQuota(ctx, now.Add(time.Minute)).SessionsToday)

			trial := entitlement.NewEngine(entitlement.Options{UserID: "u2", Store: store, Policy: policy})
			require.NoError(t, trial.StartTrialIfAbsent(now))
			assert.Equal(t, entitlement.StatusTrialLocal, trial.ResolveStatus(ctx, now.Add(time.Hour)))
			require.True(t, trial.TrialRecord().Started())
			assert.True(t, trial.TrialRecord().StartedAt.Equal(now))
		})
	}
}
