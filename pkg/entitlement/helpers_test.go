package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// mapStore implements only StateStore so LocalState takes its mutex paths.
type mapStore struct {
	mu     sync.Mutex
	data   map[string]string
	getErr error
}

func newMapStore() *mapStore {
	return &mapStore{data: make(map[string]string)}
}

func (m *mapStore) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return "", false, m.getErr
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *mapStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *mapStore) raw(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

// atomicMapStore adds the optional atomic primitives.
type atomicMapStore struct {
	*mapStore
}

func newAtomicMapStore() *atomicMapStore {
	return &atomicMapStore{mapStore: newMapStore()}
}

// Incr refuses non-integer values the way the sqlite and redis stores do.
func (a *atomicMapStore) Incr(key string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var n int64
	if raw, ok := a.data[key]; ok {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("value at %q is not an integer: %w", key, err)
		}
		n = parsed
	}
	n++
	a.data[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (a *atomicMapStore) SetIfAbsent(key, value string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.data[key]; ok {
		return false, nil
	}
	a.data[key] = value
	return true, nil
}

// switchProvider answers with whatever was last configured.
type switchProvider struct {
	mu    sync.Mutex
	ent   RemoteEntitlement
	err   error
	calls int
}

func (p *switchProvider) set(ent RemoteEntitlement, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ent, p.err = ent, err
}

func (p *switchProvider) FetchEntitlement(ctx context.Context, userID string) (RemoteEntitlement, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.ent, p.err
}

var errOffline = errors.New("network is offline")

// eventRecorder collects emitted events.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func timePtr(t time.Time) *time.Time { return &t }

func testPolicy() Policy {
	return Policy{
		TrialDuration:        3 * 24 * time.Hour,
		RemoteTimeout:        time.Second,
		FreeDailySessions:    1,
		TrialDailySessions:   10,
		PremiumDailySessions: 50,
		Location:             time.UTC,
	}
}

// failingIncrStore fails every Incr while keeping Get and Set working.
type failingIncrStore struct {
	*atomicMapStore
	err error
}

func (f *failingIncrStore) Incr(string) (int64, error) {
	return 0, f.err
}
