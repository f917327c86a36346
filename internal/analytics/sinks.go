// Package analytics delivers engine events to logs, Prometheus and the
// metering aggregator without ever blocking a gating decision.
package analytics

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/voicegate/internal/metering"
	"github.com/rcourtman/voicegate/pkg/entitlement"
)

const (
	DefaultBufferSize = 1024

	dropReasonFull   = "buffer_full"
	dropReasonClosed = "closed"
)

// AsyncSink hands events to a background goroutine. When the buffer is full
// the event is dropped and counted.
type AsyncSink struct {
	next    entitlement.Sink
	metrics *Metrics
	events  chan entitlement.Event

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsyncSink starts the delivery goroutine.
func NewAsyncSink(next entitlement.Sink, buffer int, metrics *Metrics) *AsyncSink {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	if next == nil {
		next = entitlement.NopSink{}
	}
	s := &AsyncSink{
		next:    next,
		metrics: metrics,
		events:  make(chan entitlement.Event, buffer),
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *AsyncSink) loop() {
	defer close(s.done)
	for e := range s.events {
		deliver(s.next, e)
	}
}

// Emit never blocks.
func (s *AsyncSink) Emit(e entitlement.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.metrics.RecordDropped(dropReasonClosed)
		return
	}
	select {
	case s.events <- e:
	default:
		s.metrics.RecordDropped(dropReasonFull)
		log.Debug().Str("event", string(e.Type)).Msg("Analytics buffer full; event dropped")
	}
}

// Close stops accepting events and waits for the buffer to drain.
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()
	<-s.done
}

// Fanout delivers each event to every sink; one failing sink does not stop
// the others.
type Fanout []entitlement.Sink

// Emit implements entitlement.Sink.
func (f Fanout) Emit(e entitlement.Event) {
	for _, sink := range f {
		deliver(sink, e)
	}
}

func deliver(sink entitlement.Sink, e entitlement.Event) {
	if sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Str("event", string(e.Type)).Msg("Analytics sink panicked")
		}
	}()
	sink.Emit(e)
}

// LogSink writes events at debug level, paywall impressions and unknown
// products at info.
type LogSink struct {
	Logger zerolog.Logger
}

// NewLogSink tags the logger with the analytics component.
func NewLogSink(logger zerolog.Logger) LogSink {
	return LogSink{Logger: logger.With().Str("component", "analytics").Logger()}
}

// Emit implements entitlement.Sink.
func (s LogSink) Emit(e entitlement.Event) {
	ev := s.Logger.Debug()
	if e.Type == entitlement.EventPaywallShown || e.Type == entitlement.EventUnknownProduct {
		ev = s.Logger.Info()
	}
	ev.Str("event_id", e.ID).
		Str("event", string(e.Type)).
		Str("user_id", e.UserID).
		Str("status", string(e.Status))
	if e.Trigger != "" {
		ev.Str("trigger", string(e.Trigger))
	}
	if e.ProductID != "" {
		ev.Str("product_id", e.ProductID)
	}
	if e.Remote != "" {
		ev.Str("remote", string(e.Remote))
	}
	ev.Msg("Analytics event")
}

// MeteringSink rolls events into the windowed aggregator, deduplicated by
// event id.
type MeteringSink struct {
	Aggregator *metering.WindowedAggregator
}

// Emit implements entitlement.Sink.
func (s MeteringSink) Emit(e entitlement.Event) {
	if s.Aggregator == nil {
		return
	}
	err := s.Aggregator.Record(metering.Event{
		Type:           string(e.Type),
		UserID:         e.UserID,
		Key:            bucketKey(e),
		Value:          1,
		Timestamp:      e.Timestamp,
		IdempotencyKey: e.ID,
	})
	if err != nil {
		log.Debug().Err(err).Str("event", string(e.Type)).Msg("Metering rejected analytics event")
	}
}

func bucketKey(e entitlement.Event) string {
	switch e.Type {
	case entitlement.EventPaywallShown:
		return string(e.Trigger)
	case entitlement.EventUnknownProduct, entitlement.EventPurchaseRecorded:
		return e.ProductID
	default:
		return string(e.Status)
	}
}
