package metering

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// FlushFunc receives each non-empty window.
type FlushFunc func([]AggregatedBucket)

// Run flushes the aggregator every interval until ctx is done, then performs
// one final flush so nothing recorded before shutdown is lost.
func (w *WindowedAggregator) Run(ctx context.Context, interval time.Duration, fn FlushFunc) {
	if interval <= 0 {
		interval = time.Hour
	}
	deliver := func() {
		buckets := w.Flush()
		if len(buckets) == 0 || fn == nil {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Metering flush handler panicked")
			}
		}()
		fn(buckets)
	}

	for {
		select {
		case <-ctx.Done():
			deliver()
			return
		case <-w.clock.After(interval):
			deliver()
		}
	}
}

// LogFlush writes each bucket as a structured log line.
func LogFlush(buckets []AggregatedBucket) {
	for _, b := range buckets {
		log.Info().
			Str("user_id", b.UserID).
			Str("type", b.Type).
			Str("key", b.Key).
			Int64("count", b.Count).
			Int64("total", b.TotalValue).
			Time("window_start", b.WindowStart).
			Time("window_end", b.WindowEnd).
			Msg("Usage window")
	}
}
