package entitlement

// SubscriptionStatus is the resolved access tier for a user at one instant.
// It is always derived from inputs and never persisted.
type SubscriptionStatus string

const (
	StatusFree           SubscriptionStatus = "free"
	StatusTrialLocal     SubscriptionStatus = "trial_local"
	StatusTrialRemote    SubscriptionStatus = "trial_remote"
	StatusPremiumMonthly SubscriptionStatus = "premium_monthly"
	StatusPremiumAnnual  SubscriptionStatus = "premium_annual"
	StatusExpired        SubscriptionStatus = "expired"
)

var allStatuses = []SubscriptionStatus{
	StatusFree,
	StatusTrialLocal,
	StatusTrialRemote,
	StatusPremiumMonthly,
	StatusPremiumAnnual,
	StatusExpired,
}

// AllStatuses returns every status in declaration order.
func AllStatuses() []SubscriptionStatus {
	out := make([]SubscriptionStatus, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// Valid reports whether s is one of the six known statuses.
func (s SubscriptionStatus) Valid() bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTrial reports whether s is a local or remote trial.
func (s SubscriptionStatus) IsTrial() bool {
	return s == StatusTrialLocal || s == StatusTrialRemote
}

// IsPremium reports whether s is a paid plan.
func (s SubscriptionStatus) IsPremium() bool {
	return s == StatusPremiumMonthly || s == StatusPremiumAnnual
}

// GrantsPaidFeatures reports whether s unlocks the paid tier (trial or premium).
func (s SubscriptionStatus) GrantsPaidFeatures() bool {
	return s.IsTrial() || s.IsPremium()
}

// Source names which input decided a resolution.
type Source string

const (
	SourceRemote        Source = "remote"
	SourceRemoteRevoked Source = "remote_revoked"
	SourceCache         Source = "cache"
	SourceTrialClock    Source = "trial_clock"
	SourceDefault       Source = "default"
)
