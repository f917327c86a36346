package entitlement

import (
	"context"
	"errors"
	"strings"
)

// ErrUnreachable marks a provider call that produced no answer at all.
// Providers may wrap it; the resolver treats any provider error the same way.
var ErrUnreachable = errors.New("remote entitlement provider unreachable")

// PeriodType is the billing period kind reported by the remote ledger.
type PeriodType string

const (
	PeriodTrial  PeriodType = "trial"
	PeriodNormal PeriodType = "normal"
)

// NormalizePeriodType maps ledger period strings onto trial/normal.
// Anything other than "trial" (intro offers, prepaid, empty) is a normal period.
func NormalizePeriodType(raw string) PeriodType {
	if strings.EqualFold(strings.TrimSpace(raw), string(PeriodTrial)) {
		return PeriodTrial
	}
	return PeriodNormal
}

// RemoteEntitlement is the remote ledger's verdict for a user.
type RemoteEntitlement struct {
	Active     bool       `json:"active"`
	ProductID  string     `json:"product_id,omitempty"`
	PeriodType PeriodType `json:"period_type,omitempty"`
}

// Provider fetches the authoritative entitlement for a user.
// A nil error means the ledger answered; Active=false is a real "inactive" answer.
type Provider interface {
	FetchEntitlement(ctx context.Context, userID string) (RemoteEntitlement, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, userID string) (RemoteEntitlement, error)

// FetchEntitlement calls f.
func (f ProviderFunc) FetchEntitlement(ctx context.Context, userID string) (RemoteEntitlement, error) {
	return f(ctx, userID)
}

// RemoteOutcome is the three-valued result of asking the ledger.
type RemoteOutcome string

const (
	RemoteActive   RemoteOutcome = "active"
	RemoteInactive RemoteOutcome = "inactive"
	RemoteUnknown  RemoteOutcome = "unknown"
)

// RemoteResult pairs the outcome with the entitlement it came from.
// Err is set only for RemoteUnknown.
type RemoteResult struct {
	Outcome     RemoteOutcome
	Entitlement RemoteEntitlement
	Err         error
}

// UnknownRemote builds the result for an unreachable ledger.
func UnknownRemote(err error) RemoteResult {
	if err == nil {
		err = ErrUnreachable
	}
	return RemoteResult{Outcome: RemoteUnknown, Err: err}
}

// RemoteAnswer builds the result for a ledger that answered.
func RemoteAnswer(ent RemoteEntitlement) RemoteResult {
	ent.PeriodType = NormalizePeriodType(string(ent.PeriodType))
	if ent.Active {
		return RemoteResult{Outcome: RemoteActive, Entitlement: ent}
	}
	return RemoteResult{Outcome: RemoteInactive, Entitlement: ent}
}
