package entitlement

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Inputs is everything a status depends on.
type Inputs struct {
	Trial  TrialRecord
	Cached CachedEntitlement
	Remote RemoteResult
}

// Resolution is a resolved status plus the evidence behind it.
type Resolution struct {
	Status SubscriptionStatus `json:"status"`
	Source Source             `json:"source"`
	Remote RemoteOutcome      `json:"remote"`
	// RemoteError is the provider failure text when Remote is unknown.
	RemoteError string `json:"remote_error,omitempty"`
	ProductID   string `json:"product_id,omitempty"`
	// UnknownProduct is set when an active product id matched no catalog
	// pattern and the monthly default was applied.
	UnknownProduct bool `json:"unknown_product,omitempty"`
	// TrialStarted mirrors TrialRecord presence ("was ever offered a trial").
	TrialStarted bool `json:"trial_started"`
	// TrialHistory is set when a local or remote trial was ever observed.
	TrialHistory bool      `json:"trial_history"`
	EvaluatedAt  time.Time `json:"evaluated_at"`
}

// Evaluate is the pure precedence function from inputs and now to a status.
// The first matching rule wins:
//  1. remote active: trial period, else the catalog plan (monthly when unknown)
//  2. remote answered inactive after an observed active entitlement: expired
//  3. local: cached premium, running trial, elapsed trial, free
func Evaluate(in Inputs, now time.Time, policy Policy, catalog *Catalog) Resolution {
	policy = policy.normalized()

	outcome := in.Remote.Outcome
	if outcome == "" {
		outcome = RemoteUnknown
	}

	res := Resolution{
		Remote:       outcome,
		TrialStarted: in.Trial.Started(),
		TrialHistory: in.Trial.Started() || in.Cached.RemoteTrialSeen,
		EvaluatedAt:  now,
	}
	if outcome == RemoteUnknown && in.Remote.Err != nil {
		res.RemoteError = in.Remote.Err.Error()
	}

	switch outcome {
	case RemoteActive:
		ent := in.Remote.Entitlement
		res.Source = SourceRemote
		res.ProductID = ent.ProductID
		if NormalizePeriodType(string(ent.PeriodType)) == PeriodTrial {
			res.Status = StatusTrialRemote
			res.TrialHistory = true
			return res
		}
		plan, ok := catalog.Classify(ent.ProductID)
		if !ok {
			res.UnknownProduct = true
			plan = PlanMonthly
		}
		if plan == PlanAnnual {
			res.Status = StatusPremiumAnnual
		} else {
			res.Status = StatusPremiumMonthly
		}
		return res

	case RemoteInactive:
		if in.Cached.PreviouslyActive() {
			res.Status = StatusExpired
			res.Source = SourceRemoteRevoked
			return res
		}
	}

	switch {
	case in.Cached.IsPremium:
		// cache cannot tell plans apart
		res.Status = StatusPremiumMonthly
		res.Source = SourceCache
	case in.Trial.Active(now, policy.TrialDuration):
		res.Status = StatusTrialLocal
		res.Source = SourceTrialClock
	case in.Trial.Started():
		res.Status = StatusExpired
		res.Source = SourceTrialClock
	default:
		res.Status = StatusFree
		res.Source = SourceDefault
	}
	return res
}

// Resolver reads local state, asks the provider and evaluates.
type Resolver struct {
	state    *LocalState
	provider Provider
	policy   Policy
	catalog  *atomic.Pointer[Catalog]
	sink     Sink
	userID   string
	log      zerolog.Logger
}

// NewResolver wires a resolver for one user. A nil provider means the device
// is permanently offline: every resolution falls back to local state.
func NewResolver(userID string, state *LocalState, provider Provider, policy Policy, catalog *atomic.Pointer[Catalog], sink Sink) *Resolver {
	if catalog == nil {
		catalog = &atomic.Pointer[Catalog]{}
	}
	return &Resolver{
		state:    state,
		provider: provider,
		policy:   policy.normalized(),
		catalog:  catalog,
		sink:     sink,
		userID:   userID,
		log:      log.Logger.With().Str("component", "resolver").Str("user_id", userID).Logger(),
	}
}

// Resolve computes the status at now and mirrors any remote answer into the
// local cache.
func (r *Resolver) Resolve(ctx context.Context, now time.Time) Resolution {
	in := Inputs{
		Trial:  r.state.TrialRecord(),
		Cached: r.state.CachedEntitlement(),
		Remote: r.fetch(ctx),
	}

	res := Evaluate(in, now, r.policy, r.catalog.Load())

	if res.UnknownProduct {
		r.log.Warn().
			Str("product_id", res.ProductID).
			Msg("Unrecognized product identifier; classified as monthly. Update the product catalog")
		emit(r.sink, Event{
			Type:      EventUnknownProduct,
			UserID:    r.userID,
			Status:    res.Status,
			ProductID: res.ProductID,
			Timestamp: now,
		})
	}
	if res.Remote == RemoteUnknown {
		r.log.Debug().Str("remote_error", res.RemoteError).Str("status", string(res.Status)).
			Msg("Entitlement provider unreachable; resolved from local state")
	}

	r.mirror(in, now)

	emit(r.sink, Event{
		Type:      EventStatusResolved,
		UserID:    r.userID,
		Status:    res.Status,
		Remote:    res.Remote,
		Source:    res.Source,
		ProductID: res.ProductID,
		Timestamp: now,
	})
	return res
}

func (r *Resolver) fetch(ctx context.Context) RemoteResult {
	if r.provider == nil {
		return UnknownRemote(fmt.Errorf("%w: no provider configured", ErrUnreachable))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	callCtx, cancel := context.WithTimeout(ctx, r.policy.RemoteTimeout)
	defer cancel()

	type answer struct {
		ent RemoteEntitlement
		err error
	}
	done := make(chan answer, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- answer{err: fmt.Errorf("%w: provider panic: %v", ErrUnreachable, p)}
			}
		}()
		ent, err := r.provider.FetchEntitlement(callCtx, r.userID)
		done <- answer{ent: ent, err: err}
	}()

	select {
	case a := <-done:
		if a.err != nil {
			return UnknownRemote(a.err)
		}
		return RemoteAnswer(a.ent)
	case <-callCtx.Done():
		// a provider that ignores its context still cannot hold the caller
		err := callCtx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: timed out after %s", ErrUnreachable, r.policy.RemoteTimeout)
		}
		return UnknownRemote(err)
	}
}

func (r *Resolver) mirror(in Inputs, now time.Time) {
	var update func(*CachedEntitlement)
	switch in.Remote.Outcome {
	case RemoteActive:
		trial := NormalizePeriodType(string(in.Remote.Entitlement.PeriodType)) == PeriodTrial
		if in.Cached.IsPremium && in.Cached.RemoteEverActive && (!trial || in.Cached.RemoteTrialSeen) {
			return
		}
		update = func(c *CachedEntitlement) {
			c.IsPremium = true
			c.RemoteEverActive = true
			if trial {
				c.RemoteTrialSeen = true
			}
			c.UpdatedAt = now
		}
	case RemoteInactive:
		if !in.Cached.IsPremium {
			return
		}
		update = func(c *CachedEntitlement) {
			c.IsPremium = false
			c.RemoteEverActive = true
			c.UpdatedAt = now
		}
	default:
		return
	}
	if _, err := r.state.UpdateCachedEntitlement(update); err != nil {
		r.log.Warn().Err(err).Msg("Failed to mirror remote entitlement into local cache")
	}
}
