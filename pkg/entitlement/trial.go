package entitlement

import (
	"fmt"
	"time"
)

// TrialManager owns the locally tracked trial window.
type TrialManager struct {
	state  *LocalState
	policy Policy
}

// NewTrialManager creates a manager over state.
func NewTrialManager(state *LocalState, policy Policy) *TrialManager {
	return &TrialManager{state: state, policy: policy.normalized()}
}

// StartTrialIfAbsent records now as the trial start unless a trial already
// exists. The first call wins; later calls return the original record with
// started=false.
func (m *TrialManager) StartTrialIfAbsent(now time.Time) (record TrialRecord, started bool, err error) {
	record, started, err = m.state.ClaimTrial(now)
	if err != nil {
		return TrialRecord{}, false, fmt.Errorf("start trial: %w", err)
	}
	return record, started, nil
}

// Record returns the current trial record.
func (m *TrialManager) Record() TrialRecord {
	return m.state.TrialRecord()
}

// TrialDaysRemaining returns nil when no trial was started, 0 once it has
// elapsed, otherwise the days left rounded up so the last partial day still
// reads as one. Only for messaging; gating goes through the resolver.
func (m *TrialManager) TrialDaysRemaining(now time.Time) *int {
	return DaysRemaining(m.state.TrialRecord(), now, m.policy.TrialDuration)
}

// EndsAt returns when the trial window closes, or nil without a trial.
func (m *TrialManager) EndsAt() *time.Time {
	record := m.state.TrialRecord()
	if !record.Started() {
		return nil
	}
	end := record.StartedAt.Add(m.policy.TrialDuration)
	return &end
}

// DaysRemaining is the pure form of TrialDaysRemaining.
func DaysRemaining(record TrialRecord, now time.Time, duration time.Duration) *int {
	if !record.Started() {
		return nil
	}
	left := duration - record.Elapsed(now)
	days := 0
	if left > 0 {
		const day = 24 * time.Hour
		days = int(left / day)
		if left%day != 0 {
			days++
		}
	}
	return &days
}
