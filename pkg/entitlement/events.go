package entitlement

import (
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

// EventType is an analytics event category emitted by the engine.
type EventType string

const (
	EventStatusResolved   EventType = "status_resolved"
	EventQuotaExhausted   EventType = "quota_exhausted"
	EventPaywallShown     EventType = "paywall_shown"
	EventTrialStarted     EventType = "trial_started"
	EventUnknownProduct   EventType = "unknown_product"
	EventPurchaseRecorded EventType = "purchase_recorded"
	EventUsageRecorded    EventType = "usage_recorded"
)

// KnownEventTypes lists every event type the engine can emit.
func KnownEventTypes() []EventType {
	return []EventType{
		EventStatusResolved,
		EventQuotaExhausted,
		EventPaywallShown,
		EventTrialStarted,
		EventUnknownProduct,
		EventPurchaseRecorded,
		EventUsageRecorded,
	}
}

// Event is one analytics record. Fields not relevant to Type stay empty.
type Event struct {
	ID        string             `json:"id"`
	Type      EventType          `json:"type"`
	UserID    string             `json:"user_id,omitempty"`
	Status    SubscriptionStatus `json:"status,omitempty"`
	Remote    RemoteOutcome      `json:"remote,omitempty"`
	Source    Source             `json:"source,omitempty"`
	Trigger   TriggerCode        `json:"trigger,omitempty"`
	ProductID string             `json:"product_id,omitempty"`
	Sessions  int                `json:"sessions,omitempty"`
	Max       int                `json:"max,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// Sink receives analytics events. Emit must not block for long; the engine
// calls it inline on the gating path.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit calls f.
func (f SinkFunc) Emit(e Event) { f(e) }

// NopSink discards events.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(Event) {}

// emit delivers e to sink and swallows any panic so telemetry failures never
// reach a gating decision.
func emit(sink Sink, e Event) {
	if sink == nil {
		return
	}
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Str("event", string(e.Type)).Msg("Analytics sink panicked; event dropped")
		}
	}()
	sink.Emit(e)
}
