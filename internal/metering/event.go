package metering

import "time"

// Event is one usage observation fed into the aggregator.
type Event struct {
	// Type is the event category, e.g. "paywall_shown".
	Type string

	// UserID identifies whose activity this is.
	UserID string

	// Key narrows the bucket inside a type (a status, a trigger code).
	Key string

	// Value is added to the bucket total. Counter events use 1.
	Value int64

	Timestamp time.Time

	// IdempotencyKey deduplicates events within a window.
	IdempotencyKey string
}

// AggregatedBucket is the rolled-up data for one (user, type, key) in a window.
type AggregatedBucket struct {
	UserID      string    `json:"user_id"`
	Type        string    `json:"type"`
	Key         string    `json:"key"`
	Count       int64     `json:"count"`
	TotalValue  int64     `json:"total_value"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}
