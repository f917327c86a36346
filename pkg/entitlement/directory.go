package entitlement

import (
	"container/list"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	maxUserIDLength = 128

	// DefaultMaxEngines bounds how many per-user engines a Directory keeps.
	DefaultMaxEngines = 10000

	userLockStripes = 256
)

// ErrInvalidUserID is returned for empty or malformed user identifiers.
var ErrInvalidUserID = errors.New("invalid user id")

// DirectoryConfig is shared by every engine a Directory hands out.
type DirectoryConfig struct {
	Store    StateStore
	Provider Provider
	Policy   Policy
	Catalog  *Catalog
	Sink     Sink
	Clock    clockwork.Clock
	Logger   *zerolog.Logger
	// MaxEngines caps the engine cache; the least recently used engine is
	// dropped beyond it. Zero means DefaultMaxEngines.
	MaxEngines int
}

// Directory lazily builds one Engine per user over a shared store and keeps
// the most recently used ones. Per-user write serialization comes from a
// fixed table of lock stripes, so it survives an engine being evicted and
// rebuilt.
type Directory struct {
	cfg     DirectoryConfig
	catalog atomic.Pointer[Catalog]
	locks   [userLockStripes]sync.Mutex

	mu      sync.Mutex
	engines map[string]*list.Element
	recent  *list.List // front is most recently used
}

type cachedEngine struct {
	userID string
	engine *Engine
}

// NewDirectory creates a directory. A nil catalog uses DefaultCatalog.
func NewDirectory(cfg DirectoryConfig) *Directory {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		l := log.Logger
		cfg.Logger = &l
	}
	if cfg.MaxEngines <= 0 {
		cfg.MaxEngines = DefaultMaxEngines
	}
	d := &Directory{cfg: cfg, engines: make(map[string]*list.Element), recent: list.New()}
	catalog := cfg.Catalog
	if catalog.Empty() {
		catalog = DefaultCatalog()
	}
	d.catalog.Store(catalog.Clone())
	return d
}

// For returns the engine for userID.
func (d *Directory) For(userID string) (*Engine, error) {
	userID = strings.TrimSpace(userID)
	if !ValidUserID(userID) {
		return nil, ErrInvalidUserID
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if el, ok := d.engines[userID]; ok {
		d.recent.MoveToFront(el)
		return el.Value.(*cachedEngine).engine, nil
	}
	e := NewEngine(Options{
		UserID:   userID,
		Store:    d.cfg.Store,
		Provider: d.cfg.Provider,
		Policy:   d.cfg.Policy,
		Catalog:  &d.catalog,
		Sink:     d.cfg.Sink,
		Clock:    d.cfg.Clock,
		Logger:   d.cfg.Logger,
		Lock:     d.userLock(userID),
	})
	d.engines[userID] = d.recent.PushFront(&cachedEngine{userID: userID, engine: e})
	for d.recent.Len() > d.cfg.MaxEngines {
		oldest := d.recent.Back()
		d.recent.Remove(oldest)
		delete(d.engines, oldest.Value.(*cachedEngine).userID)
	}
	return e, nil
}

// Len returns how many engines are cached.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recent.Len()
}

func (d *Directory) userLock(userID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &d.locks[h.Sum32()%userLockStripes]
}

// SetCatalog swaps the product catalog for every engine. Empty catalogs are
// ignored so a half-written file cannot disable classification.
func (d *Directory) SetCatalog(c *Catalog) bool {
	if c.Empty() {
		return false
	}
	d.catalog.Store(c.Clone())
	return true
}

// Catalog returns a copy of the active catalog.
func (d *Directory) Catalog() *Catalog {
	return d.catalog.Load().Clone()
}

// Clock returns the shared clock.
func (d *Directory) Clock() clockwork.Clock {
	return d.cfg.Clock
}

// ValidUserID reports whether id is usable as a state key segment.
func ValidUserID(id string) bool {
	if id == "" || len(id) > maxUserIDLength || id == "." || id == ".." {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == '@' || r == '$':
		default:
			return false
		}
	}
	return true
}
