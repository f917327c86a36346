package entitlement

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StateStore is the durable key-value store backing local state.
// Get reports ok=false for a missing key. Implementations must give
// read-your-writes consistency within one process.
type StateStore interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Delete(key string) error
}

// AtomicStore is implemented by stores that can increment and claim keys
// without a separate read. LocalState uses it when available.
type AtomicStore interface {
	StateStore
	Incr(key string) (int64, error)
	SetIfAbsent(key, value string) (bool, error)
}

const (
	keyTrialStartedAt = "trial_started_at"
	keyEntitlement    = "entitlement"
	keyUsagePrefix    = "usage:"
)

// TrialRecord is the locally started trial window. A nil StartedAt means no
// trial has ever been started.
type TrialRecord struct {
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// Started reports whether a trial was ever started.
func (t TrialRecord) Started() bool {
	return t.StartedAt != nil
}

// Elapsed is the time since the trial started, clamped at zero so a clock set
// backwards never produces a negative age.
func (t TrialRecord) Elapsed(now time.Time) time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	elapsed := now.Sub(*t.StartedAt)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// Active reports whether the trial is within duration at now.
func (t TrialRecord) Active(now time.Time, duration time.Duration) bool {
	return t.Started() && t.Elapsed(now) < duration
}

// CachedEntitlement mirrors the last verdict the device saw from billing.
type CachedEntitlement struct {
	IsPremium bool `json:"is_premium"`
	// RemoteEverActive records that the ledger (or a completed purchase)
	// reported an active entitlement at some point.
	RemoteEverActive bool `json:"remote_ever_active,omitempty"`
	// RemoteTrialSeen records that the ledger reported a trial period.
	RemoteTrialSeen bool      `json:"remote_trial_seen,omitempty"`
	UpdatedAt       time.Time `json:"updated_at,omitempty"`
}

// PreviouslyActive reports whether an active entitlement was ever observed.
func (c CachedEntitlement) PreviouslyActive() bool {
	return c.RemoteEverActive || c.IsPremium
}

// LocalState is the typed repository over a StateStore for one user.
// Unreadable or corrupt values are reported as absent.
type LocalState struct {
	store  StateStore
	prefix string
	log    zerolog.Logger

	// mu serializes this user's read-modify-write sequences. It may be
	// shared with other users (see WithLock) but never across stores.
	mu *sync.Mutex
}

// NewLocalState scopes store to userID. An empty userID uses unprefixed keys,
// which is what a single-user device store looks like.
func NewLocalState(store StateStore, userID string) *LocalState {
	prefix := ""
	if id := strings.TrimSpace(userID); id != "" {
		prefix = "user:" + id + ":"
	}
	return &LocalState{
		store:  store,
		prefix: prefix,
		log:    log.Logger.With().Str("component", "local_state").Logger(),
		mu:     new(sync.Mutex),
	}
}

// WithLock replaces the mutex guarding read-modify-write updates, so state
// for one user stays serialized across LocalState instances. A nil mu is
// ignored.
func (s *LocalState) WithLock(mu *sync.Mutex) *LocalState {
	if mu != nil {
		s.mu = mu
	}
	return s
}

// WithLogger replaces the repository logger.
func (s *LocalState) WithLogger(logger zerolog.Logger) *LocalState {
	s.log = logger
	return s
}

func (s *LocalState) key(name string) string {
	return s.prefix + name
}

func (s *LocalState) get(name string) (string, bool) {
	if s == nil || s.store == nil {
		return "", false
	}
	value, ok, err := s.store.Get(s.key(name))
	if err != nil {
		s.log.Warn().Err(err).Str("key", s.key(name)).Msg("Local state read failed, treating as absent")
		return "", false
	}
	return value, ok
}

// TrialRecord loads the trial record.
func (s *LocalState) TrialRecord() TrialRecord {
	if s == nil || s.store == nil {
		return TrialRecord{}
	}
	record, err := s.loadTrial()
	if err != nil {
		s.log.Warn().Err(err).Str("key", s.key(keyTrialStartedAt)).Msg("Local state read failed, treating as absent")
		return TrialRecord{}
	}
	return record
}

// loadTrial returns read failures so writers can tell them apart from a
// missing or corrupt stamp.
func (s *LocalState) loadTrial() (TrialRecord, error) {
	raw, ok, err := s.store.Get(s.key(keyTrialStartedAt))
	if err != nil {
		return TrialRecord{}, err
	}
	if !ok {
		return TrialRecord{}, nil
	}
	started, err := parseUnixMilli(raw)
	if err != nil {
		s.log.Warn().Err(err).Str("value", raw).Msg("Corrupt trial start timestamp, treating as absent")
		return TrialRecord{}, nil
	}
	return TrialRecord{StartedAt: &started}, nil
}

// ClaimTrial writes start as the trial start unless one already exists.
// It returns the record now in effect and whether this call created it.
func (s *LocalState) ClaimTrial(start time.Time) (TrialRecord, bool, error) {
	if s == nil || s.store == nil {
		return TrialRecord{}, false, fmt.Errorf("local state store not configured")
	}
	value := strconv.FormatInt(start.UnixMilli(), 10)
	key := s.key(keyTrialStartedAt)

	if atomic, ok := s.store.(AtomicStore); ok {
		created, err := atomic.SetIfAbsent(key, value)
		if err != nil {
			return TrialRecord{}, false, fmt.Errorf("claim trial start: %w", err)
		}
		if created {
			t := time.UnixMilli(start.UnixMilli())
			return TrialRecord{StartedAt: &t}, true, nil
		}
		// The key exists. If it holds a usable stamp that trial stands;
		// otherwise fall through and overwrite it.
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.loadTrial()
	if err != nil {
		return TrialRecord{}, false, fmt.Errorf("read trial start: %w", err)
	}
	if existing.Started() {
		return existing, false, nil
	}
	if err := s.store.Set(key, value); err != nil {
		return TrialRecord{}, false, fmt.Errorf("write trial start: %w", err)
	}
	t := time.UnixMilli(start.UnixMilli())
	return TrialRecord{StartedAt: &t}, true, nil
}

// CachedEntitlement loads the cached entitlement mirror.
func (s *LocalState) CachedEntitlement() CachedEntitlement {
	raw, ok := s.get(keyEntitlement)
	if !ok || strings.TrimSpace(raw) == "" {
		return CachedEntitlement{}
	}
	var cached CachedEntitlement
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		s.log.Warn().Err(err).Msg("Corrupt cached entitlement, treating as absent")
		return CachedEntitlement{}
	}
	return cached
}

// SaveCachedEntitlement persists the mirror.
func (s *LocalState) SaveCachedEntitlement(cached CachedEntitlement) error {
	if s == nil || s.store == nil {
		return fmt.Errorf("local state store not configured")
	}
	data, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("encode cached entitlement: %w", err)
	}
	if err := s.store.Set(s.key(keyEntitlement), string(data)); err != nil {
		return fmt.Errorf("write cached entitlement: %w", err)
	}
	return nil
}

// UpdateCachedEntitlement applies fn to the current mirror and saves it.
func (s *LocalState) UpdateCachedEntitlement(fn func(*CachedEntitlement)) (CachedEntitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cached := s.CachedEntitlement()
	fn(&cached)
	return cached, s.SaveCachedEntitlement(cached)
}

// UsageCount returns the counter for day, zero when absent.
func (s *LocalState) UsageCount(day string) int {
	raw, ok := s.get(keyUsagePrefix + day)
	if !ok {
		return 0
	}
	n, valid := parseCount(raw)
	if !valid {
		s.log.Warn().Str("day", day).Str("value", raw).Msg("Corrupt usage counter, treating as zero")
		return 0
	}
	return n
}

// IncrementUsage adds one to the counter for day and returns the new value.
func (s *LocalState) IncrementUsage(day string) (int, error) {
	if s == nil || s.store == nil {
		return 0, fmt.Errorf("local state store not configured")
	}
	key := s.key(keyUsagePrefix + day)

	if atomic, ok := s.store.(AtomicStore); ok {
		n, err := atomic.Incr(key)
		if err == nil && n > 0 {
			return int(n), nil
		}
		// Incr refuses non-integers and carries negatives forward; both
		// read as zero, so the counter is rewritten below.
		return s.rewriteUsage(day, key, err)
	}
	return s.rewriteUsage(day, key, nil)
}

// rewriteUsage increments the counter for day under the user lock, with a
// corrupt value counting as zero. incrErr is the failure of a preceding
// atomic increment, returned when the stored count is well formed and the
// store still cannot increment it.
func (s *LocalState) rewriteUsage(day, key string, incrErr error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok, err := s.store.Get(key)
	if err != nil {
		return 0, fmt.Errorf("read usage for %s: %w", day, errors.Join(incrErr, err))
	}
	current, valid := 0, false
	if ok {
		current, valid = parseCount(raw)
	}

	// A well-formed count may still be incremented lock-free by other
	// callers, so it must go through Incr rather than Set.
	if atomic, isAtomic := s.store.(AtomicStore); isAtomic && valid && raw == strconv.Itoa(current) {
		n, err := atomic.Incr(key)
		if err == nil && n > 0 {
			return int(n), nil
		}
		return 0, fmt.Errorf("increment usage for %s: %w", day, errors.Join(incrErr, err))
	}
	if ok && !valid {
		s.log.Warn().Str("day", day).Str("value", raw).Msg("Replacing corrupt usage counter")
	}

	next := current + 1
	if err := s.store.Set(key, strconv.Itoa(next)); err != nil {
		return 0, fmt.Errorf("write usage for %s: %w", day, err)
	}
	return next, nil
}

// Reset removes the trial record and the cached entitlement, as an account
// or data wipe does. Usage counters are left alone so a day's count never
// goes down.
func (s *LocalState) Reset() error {
	if s == nil || s.store == nil {
		return fmt.Errorf("local state store not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range []string{s.key(keyTrialStartedAt), s.key(keyEntitlement)} {
		if err := s.store.Delete(key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}

// parseCount reports whether raw is a usable usage count.
func parseCount(raw string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func parseUnixMilli(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse unix millis %q: %w", raw, err)
	}
	if ms <= 0 {
		return time.Time{}, fmt.Errorf("non-positive unix millis %d", ms)
	}
	return time.UnixMilli(ms), nil
}
