package entitlement

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engineFixture struct {
	engine   *Engine
	store    *atomicMapStore
	provider *switchProvider
	events   *eventRecorder
	clock    clockwork.FakeClock
}

func newEngineFixture(t *testing.T, start time.Time) *engineFixture {
	t.Helper()
	f := &engineFixture{
		store:    newAtomicMapStore(),
		provider: &switchProvider{},
		events:   &eventRecorder{},
		clock:    clockwork.NewFakeClockAt(start),
	}
	f.provider.set(RemoteEntitlement{}, errOffline)

	catalog := &atomic.Pointer[Catalog]{}
	catalog.Store(DefaultCatalog())
	f.engine = NewEngine(Options{
		UserID:   "user-42",
		Store:    f.store,
		Provider: f.provider,
		Policy:   testPolicy(),
		Catalog:  catalog,
		Sink:     f.events,
		Clock:    f.clock,
	})
	return f
}

func TestScenarioFreshInstallThroughTrialExpiry(t *testing.T) {
	installed := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, installed)
	ctx := context.Background()
	e := f.engine

	assert.Equal(t, StatusFree, e.ResolveStatus(ctx, e.Now()))
	assert.Nil(t, e.TrialDaysRemaining(e.Now()))

	require.NoError(t, e.StartTrialIfAbsent(e.Now()))
	require.Len(t, f.events.ofType(EventTrialStarted), 1)

	for _, offset := range []time.Duration{time.Minute, 24 * time.Hour, 71 * time.Hour} {
		now := installed.Add(offset)
		assert.Equal(t, StatusTrialLocal, e.ResolveStatus(ctx, now), "offset %s", offset)
		usage := e.CheckQuota(ctx, now)
		assert.Equal(t, 10, usage.MaxSessions)
		assert.False(t, e.DecidePaywall(ctx, now).Show)
	}

	dayFour := installed.Add(3*24*time.Hour + time.Hour)
	assert.Equal(t, StatusExpired, e.ResolveStatus(ctx, dayFour))
	decision := e.DecidePaywall(ctx, dayFour)
	assert.True(t, decision.Show)
	assert.Equal(t, TriggerTrialExpired, decision.Trigger)
	assert.Equal(t, 0, decision.MaxSessions)
	assert.Equal(t, 0, *e.TrialDaysRemaining(dayFour))

	shown := f.events.ofType(EventPaywallShown)
	require.NotEmpty(t, shown)
	assert.Equal(t, TriggerTrialExpired, shown[len(shown)-1].Trigger)

	// a second start must not reopen the window
	require.NoError(t, e.StartTrialIfAbsent(dayFour))
	assert.Equal(t, StatusExpired, e.ResolveStatus(ctx, dayFour))
	assert.Len(t, f.events.ofType(EventTrialStarted), 1)
}

func TestScenarioAnnualPurchase(t *testing.T) {
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, now)
	ctx := context.Background()

	f.provider.set(RemoteEntitlement{Active: true, ProductID: "voicegate_premium_annual_2999", PeriodType: PeriodNormal}, nil)
	require.NoError(t, f.engine.RecordPurchase("voicegate_premium_annual_2999", now))

	assert.Equal(t, StatusPremiumAnnual, f.engine.ResolveStatus(ctx, now))
	usage := f.engine.CheckQuota(ctx, now)
	assert.Equal(t, 50, usage.MaxSessions)
	assert.True(t, usage.WithinQuota)
	assert.Len(t, f.events.ofType(EventPurchaseRecorded), 1)
}

func TestScenarioOutageWithCachedPremiumThenRevocation(t *testing.T) {
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, now)
	ctx := context.Background()
	e := f.engine

	require.NoError(t, e.RecordPurchase("voice_monthly", now))

	// provider times out for a day
	for i := 0; i < 24; i++ {
		at := now.Add(time.Duration(i) * time.Hour)
		res := e.Resolve(ctx, at)
		assert.Equal(t, StatusPremiumMonthly, res.Status)
		assert.Equal(t, RemoteUnknown, res.Remote)
	}

	f.provider.set(RemoteEntitlement{Active: false}, nil)
	res := e.Resolve(ctx, now.Add(25*time.Hour))
	assert.Equal(t, StatusExpired, res.Status)
	assert.Equal(t, RemoteInactive, res.Remote)
	assert.Equal(t, SourceRemoteRevoked, res.Source)
	assert.False(t, e.CachedEntitlement().IsPremium)

	// the revocation is remembered on the next ledger answer
	assert.Equal(t, StatusExpired, e.ResolveStatus(ctx, now.Add(26*time.Hour)))
}

func TestEngineRecordUsageAndExhaustion(t *testing.T) {
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, now)
	ctx := context.Background()
	e := f.engine

	assert.False(t, e.DecidePaywall(ctx, now).Show)
	require.NoError(t, e.RecordUsage(now))

	snap := e.Snapshot(ctx, now.Add(time.Minute))
	assert.Equal(t, StatusFree, snap.Resolution.Status)
	assert.False(t, snap.Usage.WithinQuota)
	assert.True(t, snap.Paywall.Show)
	assert.Equal(t, TriggerNeverSubscribed, snap.Paywall.Trigger)
	assert.Nil(t, snap.TrialDaysRemaining)

	require.NoError(t, e.StartTrialIfAbsent(now.Add(2*time.Minute)))
	snap = e.Snapshot(ctx, now.Add(3*time.Minute))
	assert.Equal(t, StatusTrialLocal, snap.Resolution.Status)
	assert.True(t, snap.Usage.WithinQuota)
	assert.False(t, snap.Paywall.Show)
	require.NotNil(t, snap.TrialEndsAt)

	assert.Len(t, f.events.ofType(EventUsageRecorded), 1)
	assert.Len(t, f.events.ofType(EventQuotaExhausted), 1)
}

func TestEngineRestore(t *testing.T) {
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, now)
	ctx := context.Background()
	e := f.engine

	require.NoError(t, e.RecordRestore(true, "voice_annual", now))
	assert.True(t, e.CachedEntitlement().IsPremium)
	assert.Equal(t, StatusPremiumMonthly, e.ResolveStatus(ctx, now))

	require.NoError(t, e.RecordRestore(false, "", now))
	cached := e.CachedEntitlement()
	assert.False(t, cached.IsPremium)
	assert.True(t, cached.RemoteEverActive)
	assert.Equal(t, StatusFree, e.ResolveStatus(ctx, now))

	f.provider.set(RemoteEntitlement{Active: false}, nil)
	assert.Equal(t, StatusExpired, e.ResolveStatus(ctx, now))
}

func TestEngineReset(t *testing.T) {
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, now)
	ctx := context.Background()
	e := f.engine

	require.NoError(t, e.StartTrialIfAbsent(now))
	require.NoError(t, e.RecordPurchase("voice_monthly", now))
	require.NoError(t, e.RecordUsage(now))

	require.NoError(t, e.Reset())
	assert.False(t, e.TrialRecord().Started())
	assert.Equal(t, StatusFree, e.ResolveStatus(ctx, now))
	assert.Equal(t, 1, e.CheckQuota(ctx, now).SessionsToday)
}

func TestEngineUsesInjectedClock(t *testing.T) {
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, start)
	assert.True(t, start.Equal(f.engine.Now()))

	f.clock.Advance(36 * time.Hour)
	assert.True(t, start.Add(36*time.Hour).Equal(f.engine.Now()))
	assert.Equal(t, "user-42", f.engine.UserID())
}

func TestEngineGatesWithPanickingSink(t *testing.T) {
	e := NewEngine(Options{
		UserID: "u1",
		Store:  newAtomicMapStore(),
		Sink:   SinkFunc(func(Event) { panic("sink exploded") }),
	})
	now := time.Now()

	require.NotPanics(t, func() {
		require.NoError(t, e.RecordUsage(now))
		d := e.DecidePaywall(context.Background(), now)
		assert.True(t, d.Show)
		assert.Equal(t, TriggerNeverSubscribed, d.Trigger)
	})
}
