// Package metering rolls analytics events up into per-user windowed
// counters that can be flushed on a schedule.
package metering

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// MaxCardinalityPerUser caps unique keys per user per event type.
	MaxCardinalityPerUser = 100
	// MaxIdempotencyKeysPerWindow bounds memory used by deduplication state.
	MaxIdempotencyKeysPerWindow = 100000
)

var (
	ErrCardinalityExceeded         = errors.New("cardinality limit exceeded for user")
	ErrDuplicateEvent              = errors.New("duplicate event (idempotency key already seen)")
	ErrIdempotencyKeyLimitExceeded = errors.New("idempotency key limit exceeded for window")
)

type bucketKey struct {
	UserID string
	Type   string
	Key    string
}

type bucket struct {
	count      int64
	totalValue int64
}

// WindowedAggregator aggregates events in memory until the next Flush.
type WindowedAggregator struct {
	mu    sync.RWMutex
	clock clockwork.Clock

	counters            map[bucketKey]*bucket
	seenIdempotencyKeys map[string]struct{}
	// user -> event type -> distinct keys
	cardinalityCounts map[string]map[string]int

	windowStart time.Time
}

// NewWindowedAggregator creates an aggregator whose first window starts now.
// A nil clock uses the real one.
func NewWindowedAggregator(clock clockwork.Clock) *WindowedAggregator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	w := &WindowedAggregator{clock: clock}
	w.reset(clock.Now())
	return w
}

func (w *WindowedAggregator) reset(start time.Time) {
	w.counters = make(map[bucketKey]*bucket)
	w.seenIdempotencyKeys = make(map[string]struct{})
	w.cardinalityCounts = make(map[string]map[string]int)
	w.windowStart = start
}

// Record adds event to the current window.
func (w *WindowedAggregator) Record(event Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if event.IdempotencyKey != "" {
		if _, seen := w.seenIdempotencyKeys[event.IdempotencyKey]; seen {
			return ErrDuplicateEvent
		}
		if len(w.seenIdempotencyKeys) >= MaxIdempotencyKeysPerWindow {
			return ErrIdempotencyKeyLimitExceeded
		}
	}

	key := bucketKey{UserID: event.UserID, Type: event.Type, Key: event.Key}
	current, exists := w.counters[key]
	if !exists {
		perType, ok := w.cardinalityCounts[event.UserID]
		if !ok {
			perType = make(map[string]int)
			w.cardinalityCounts[event.UserID] = perType
		}
		if perType[event.Type] >= MaxCardinalityPerUser {
			return ErrCardinalityExceeded
		}
		perType[event.Type]++
		current = &bucket{}
		w.counters[key] = current
	}

	current.count++
	current.totalValue += event.Value

	if event.IdempotencyKey != "" {
		w.seenIdempotencyKeys[event.IdempotencyKey] = struct{}{}
	}
	return nil
}

// Flush returns the current window's buckets and starts a new window.
func (w *WindowedAggregator) Flush() []AggregatedBucket {
	w.mu.Lock()
	defer w.mu.Unlock()

	end := w.clock.Now()
	out := w.bucketsLocked(end)
	w.reset(end)
	return out
}

// Snapshot returns the current window's buckets without resetting.
func (w *WindowedAggregator) Snapshot() []AggregatedBucket {
	if w == nil {
		return []AggregatedBucket{}
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.bucketsLocked(w.clock.Now())
}

// BucketCount returns the number of live buckets.
func (w *WindowedAggregator) BucketCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.counters)
}

// bucketsLocked is ordered by user, type, key so flush output is stable.
func (w *WindowedAggregator) bucketsLocked(end time.Time) []AggregatedBucket {
	out := make([]AggregatedBucket, 0, len(w.counters))
	for key, b := range w.counters {
		out = append(out, AggregatedBucket{
			UserID:      key.UserID,
			Type:        key.Type,
			Key:         key.Key,
			Count:       b.count,
			TotalValue:  b.totalValue,
			WindowStart: w.windowStart,
			WindowEnd:   end,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Key < out[j].Key
	})
	return out
}
