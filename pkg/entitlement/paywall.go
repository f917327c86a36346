package entitlement

// TriggerCode explains why a paywall is shown.
type TriggerCode string

const (
	TriggerNone            TriggerCode = "none"
	TriggerDailyLimit      TriggerCode = "daily_limit"
	TriggerTrialExpired    TriggerCode = "trial_expired"
	TriggerNeverSubscribed TriggerCode = "never_subscribed"
)

// PaywallDecision is the gating verdict handed to the presentation layer.
type PaywallDecision struct {
	Show          bool               `json:"show"`
	Trigger       TriggerCode        `json:"trigger"`
	Status        SubscriptionStatus `json:"status"`
	SessionsToday int                `json:"sessions_today"`
	MaxSessions   int                `json:"max_sessions"`
}

// Decide composes a resolution and a usage check into a paywall decision.
// It adds no entitlement logic of its own. Rows, first match wins:
//  1. expired with trial history: trial_expired
//  2. free or expired with no quota left: daily_limit when a trial record
//     exists, never_subscribed otherwise
//  3. trial or premium with quota left: no paywall
//  4. any other exhausted quota: daily_limit
//  5. everything else (free with quota left): no paywall
func Decide(res Resolution, usage UsageResult) PaywallDecision {
	d := PaywallDecision{
		Status:        res.Status,
		SessionsToday: usage.SessionsToday,
		MaxSessions:   usage.MaxSessions,
		Trigger:       TriggerNone,
	}
	exhausted := !usage.WithinQuota || usage.MaxSessions <= 0

	switch {
	case res.Status == StatusExpired && res.TrialHistory:
		d.Show, d.Trigger = true, TriggerTrialExpired
	case (res.Status == StatusFree || res.Status == StatusExpired) && exhausted:
		d.Show = true
		if res.TrialStarted {
			d.Trigger = TriggerDailyLimit
		} else {
			d.Trigger = TriggerNeverSubscribed
		}
	case res.Status.GrantsPaidFeatures() && !exhausted:
		d.Show, d.Trigger = false, TriggerNone
	case exhausted:
		d.Show, d.Trigger = true, TriggerDailyLimit
	default:
		d.Show, d.Trigger = false, TriggerNone
	}
	return d
}
