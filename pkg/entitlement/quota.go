package entitlement

import (
	"fmt"
	"time"
)

// UsageResult is today's counter measured against the status quota.
type UsageResult struct {
	Day           string `json:"day"`
	SessionsToday int    `json:"sessions_today"`
	MaxSessions   int    `json:"max_sessions"`
	WithinQuota   bool   `json:"within_quota"`
}

// Remaining is how many sessions are still allowed today.
func (u UsageResult) Remaining() int {
	if left := u.MaxSessions - u.SessionsToday; left > 0 {
		return left
	}
	return 0
}

// QuotaTracker counts completed gated actions per local calendar day.
type QuotaTracker struct {
	state  *LocalState
	policy Policy
}

// NewQuotaTracker creates a tracker over state.
func NewQuotaTracker(state *LocalState, policy Policy) *QuotaTracker {
	return &QuotaTracker{state: state, policy: policy.normalized()}
}

// CheckQuota measures today's usage against the ceiling for status.
// It never writes.
func (q *QuotaTracker) CheckQuota(status SubscriptionStatus, now time.Time) UsageResult {
	day := q.policy.DayKey(now)
	used := q.state.UsageCount(day)
	max := q.policy.MaxSessions(status)
	return UsageResult{
		Day:           day,
		SessionsToday: used,
		MaxSessions:   max,
		WithinQuota:   used < max,
	}
}

// RecordUsage counts one completed action on the day containing now.
// Call it once per action, after the action has succeeded.
func (q *QuotaTracker) RecordUsage(now time.Time) (int, error) {
	day := q.policy.DayKey(now)
	n, err := q.state.IncrementUsage(day)
	if err != nil {
		return 0, fmt.Errorf("record usage: %w", err)
	}
	return n, nil
}
