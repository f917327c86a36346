package entitlement

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestEmitAssignsULID(t *testing.T) {
	var got Event
	emit(SinkFunc(func(e Event) { got = e }), Event{Type: EventTrialStarted, Timestamp: time.Now()})

	if _, err := ulid.ParseStrict(got.ID); err != nil {
		t.Fatalf("event id %q is not a ULID: %v", got.ID, err)
	}

	emit(SinkFunc(func(e Event) { got = e }), Event{ID: "fixed", Type: EventTrialStarted})
	if got.ID != "fixed" {
		t.Fatalf("emit replaced caller id: %q", got.ID)
	}
}

func TestEmitSwallowsPanicsAndNilSinks(t *testing.T) {
	emit(nil, Event{Type: EventStatusResolved})
	emit(SinkFunc(func(Event) { panic("boom") }), Event{Type: EventStatusResolved})
	emit(NopSink{}, Event{Type: EventStatusResolved})
}

func TestKnownEventTypesAreUnique(t *testing.T) {
	seen := make(map[EventType]bool)
	for _, et := range KnownEventTypes() {
		if seen[et] {
			t.Fatalf("duplicate event type %q", et)
		}
		seen[et] = true
	}
	if len(seen) != 7 {
		t.Fatalf("got %d event types", len(seen))
	}
}
