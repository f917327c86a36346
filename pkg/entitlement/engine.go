package entitlement

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options configures an Engine.
type Options struct {
	UserID   string
	Store    StateStore
	Provider Provider
	Policy   Policy
	// Catalog is shared so a reloaded product catalog reaches every engine.
	Catalog *atomic.Pointer[Catalog]
	Sink    Sink
	Clock   clockwork.Clock
	Logger  *zerolog.Logger
	// Lock serializes state updates for this user. Engines built for the
	// same user over the same store must share it; nil gives the engine
	// its own.
	Lock *sync.Mutex
}

// Engine is the entitlement and usage-gating engine for one user.
// Operations take now explicitly so decisions can be replayed; Now supplies
// the injected clock's time for callers that have none.
type Engine struct {
	userID  string
	state   *LocalState
	policy  Policy
	sink    Sink
	clock   clockwork.Clock
	log     zerolog.Logger
	resolve *Resolver
	quota   *QuotaTracker
	trial   *TrialManager
}

// Snapshot is one consistent view of every engine output, computed from a
// single resolution.
type Snapshot struct {
	Resolution         Resolution      `json:"resolution"`
	Usage              UsageResult     `json:"usage"`
	Paywall            PaywallDecision `json:"paywall"`
	TrialDaysRemaining *int            `json:"trial_days_remaining"`
	TrialEndsAt        *time.Time      `json:"trial_ends_at,omitempty"`
}

// NewEngine builds an engine from opts.
func NewEngine(opts Options) *Engine {
	policy := opts.Policy.normalized()
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	sink := opts.Sink
	if sink == nil {
		sink = NopSink{}
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	userID := strings.TrimSpace(opts.UserID)
	logger = logger.With().Str("user_id", userID).Logger()

	state := NewLocalState(opts.Store, userID).
		WithLogger(logger.With().Str("component", "local_state").Logger()).
		WithLock(opts.Lock)

	e := &Engine{
		userID: userID,
		state:  state,
		policy: policy,
		sink:   sink,
		clock:  clock,
		log:    logger.With().Str("component", "entitlement_engine").Logger(),
		quota:  NewQuotaTracker(state, policy),
		trial:  NewTrialManager(state, policy),
	}
	e.resolve = NewResolver(userID, state, opts.Provider, policy, opts.Catalog, sink)
	e.resolve.log = logger.With().Str("component", "resolver").Logger()
	return e
}

// UserID returns the user this engine serves.
func (e *Engine) UserID() string { return e.userID }

// Now returns the current time from the injected clock.
func (e *Engine) Now() time.Time { return e.clock.Now() }

// Policy returns the effective policy.
func (e *Engine) Policy() Policy { return e.policy }

// Resolve returns the status at now with its evidence.
func (e *Engine) Resolve(ctx context.Context, now time.Time) Resolution {
	return e.resolve.Resolve(ctx, now)
}

// ResolveStatus returns only the status at now.
func (e *Engine) ResolveStatus(ctx context.Context, now time.Time) SubscriptionStatus {
	return e.Resolve(ctx, now).Status
}

// CheckQuota resolves the status and measures today's usage against it.
func (e *Engine) CheckQuota(ctx context.Context, now time.Time) UsageResult {
	return e.quota.CheckQuota(e.Resolve(ctx, now).Status, now)
}

// RecordUsage counts one successfully completed voice session.
func (e *Engine) RecordUsage(now time.Time) error {
	n, err := e.quota.RecordUsage(now)
	if err != nil {
		e.log.Error().Err(err).Msg("Failed to record usage")
		return err
	}
	emit(e.sink, Event{
		Type:      EventUsageRecorded,
		UserID:    e.userID,
		Sessions:  n,
		Timestamp: now,
	})
	return nil
}

// DecidePaywall resolves, checks quota and decides whether to interrupt.
func (e *Engine) DecidePaywall(ctx context.Context, now time.Time) PaywallDecision {
	return e.Snapshot(ctx, now).Paywall
}

// Snapshot computes resolution, usage, paywall and trial messaging at once.
func (e *Engine) Snapshot(ctx context.Context, now time.Time) Snapshot {
	res := e.Resolve(ctx, now)
	usage := e.quota.CheckQuota(res.Status, now)
	decision := Decide(res, usage)

	if !usage.WithinQuota {
		emit(e.sink, Event{
			Type:      EventQuotaExhausted,
			UserID:    e.userID,
			Status:    res.Status,
			Sessions:  usage.SessionsToday,
			Max:       usage.MaxSessions,
			Timestamp: now,
		})
	}
	if decision.Show {
		emit(e.sink, Event{
			Type:      EventPaywallShown,
			UserID:    e.userID,
			Status:    res.Status,
			Trigger:   decision.Trigger,
			Sessions:  usage.SessionsToday,
			Max:       usage.MaxSessions,
			Timestamp: now,
		})
		e.log.Debug().
			Str("trigger", string(decision.Trigger)).
			Str("status", string(res.Status)).
			Int("sessions_today", usage.SessionsToday).
			Msg("Paywall decision: show")
	}

	return Snapshot{
		Resolution:         res,
		Usage:              usage,
		Paywall:            decision,
		TrialDaysRemaining: e.trial.TrialDaysRemaining(now),
		TrialEndsAt:        e.trial.EndsAt(),
	}
}

// StartTrialIfAbsent starts the local trial on first feature use.
func (e *Engine) StartTrialIfAbsent(now time.Time) error {
	record, started, err := e.trial.StartTrialIfAbsent(now)
	if err != nil {
		e.log.Error().Err(err).Msg("Failed to start trial")
		return err
	}
	if started {
		e.log.Info().Time("started_at", *record.StartedAt).Msg("Local trial started")
		emit(e.sink, Event{Type: EventTrialStarted, UserID: e.userID, Timestamp: now})
	}
	return nil
}

// TrialRecord returns the stored trial record.
func (e *Engine) TrialRecord() TrialRecord {
	return e.trial.Record()
}

// TrialDaysRemaining returns the messaging countdown (nil without a trial).
func (e *Engine) TrialDaysRemaining(now time.Time) *int {
	return e.trial.TrialDaysRemaining(now)
}

// CachedEntitlement returns the local entitlement mirror.
func (e *Engine) CachedEntitlement() CachedEntitlement {
	return e.state.CachedEntitlement()
}

// RecordPurchase marks the cache premium after a completed purchase.
func (e *Engine) RecordPurchase(productID string, now time.Time) error {
	if _, err := e.state.UpdateCachedEntitlement(func(c *CachedEntitlement) {
		c.IsPremium = true
		c.RemoteEverActive = true
		c.UpdatedAt = now
	}); err != nil {
		e.log.Error().Err(err).Str("product_id", productID).Msg("Failed to cache purchase")
		return fmt.Errorf("record purchase: %w", err)
	}
	e.log.Info().Str("product_id", productID).Msg("Purchase cached")
	emit(e.sink, Event{Type: EventPurchaseRecorded, UserID: e.userID, ProductID: productID, Timestamp: now})
	return nil
}

// RecordRestore applies the outcome of a restore-purchases flow. An inactive
// restore clears the premium flag; if the cache had been premium the
// revocation is remembered so the next remote answer resolves to expired.
func (e *Engine) RecordRestore(active bool, productID string, now time.Time) error {
	if active {
		return e.RecordPurchase(productID, now)
	}
	if _, err := e.state.UpdateCachedEntitlement(func(c *CachedEntitlement) {
		if c.IsPremium {
			c.RemoteEverActive = true
		}
		c.IsPremium = false
		c.UpdatedAt = now
	}); err != nil {
		e.log.Error().Err(err).Msg("Failed to cache restore result")
		return fmt.Errorf("record restore: %w", err)
	}
	e.log.Info().Msg("Restore found no active entitlement")
	return nil
}

// Reset wipes the trial record and cached entitlement.
func (e *Engine) Reset() error {
	if err := e.state.Reset(); err != nil {
		e.log.Error().Err(err).Msg("Failed to reset local state")
		return fmt.Errorf("reset local state: %w", err)
	}
	e.log.Info().Msg("Local entitlement state reset")
	return nil
}
