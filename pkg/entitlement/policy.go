package entitlement

import "time"

const (
	DefaultTrialDuration        = 3 * 24 * time.Hour
	DefaultRemoteTimeout        = 5 * time.Second
	DefaultFreeDailySessions    = 1
	DefaultTrialDailySessions   = 10
	DefaultPremiumDailySessions = 50
)

// Policy holds the tunables shared by the resolver, quota tracker and trial
// manager. Zero fields fall back to the defaults above.
type Policy struct {
	TrialDuration        time.Duration
	RemoteTimeout        time.Duration
	FreeDailySessions    int
	TrialDailySessions   int
	PremiumDailySessions int

	// Location defines "today" for usage counters. Nil means time.Local,
	// i.e. the device's wall clock midnight.
	Location *time.Location
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{}.normalized()
}

func (p Policy) normalized() Policy {
	if p.TrialDuration <= 0 {
		p.TrialDuration = DefaultTrialDuration
	}
	if p.RemoteTimeout <= 0 {
		p.RemoteTimeout = DefaultRemoteTimeout
	}
	if p.FreeDailySessions <= 0 {
		p.FreeDailySessions = DefaultFreeDailySessions
	}
	if p.TrialDailySessions <= 0 {
		p.TrialDailySessions = DefaultTrialDailySessions
	}
	if p.PremiumDailySessions <= 0 {
		p.PremiumDailySessions = DefaultPremiumDailySessions
	}
	if p.Location == nil {
		p.Location = time.Local
	}
	return p
}

// MaxSessions is the daily quota ceiling implied by status.
func (p Policy) MaxSessions(status SubscriptionStatus) int {
	p = p.normalized()
	switch {
	case status == StatusFree:
		return p.FreeDailySessions
	case status.IsTrial():
		return p.TrialDailySessions
	case status.IsPremium():
		return p.PremiumDailySessions
	default:
		// expired and anything unrecognised get nothing
		return 0
	}
}

// DayKey formats the local calendar day containing now.
func (p Policy) DayKey(now time.Time) string {
	p = p.normalized()
	return now.In(p.Location).Format("2006-01-02")
}
