package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/voicegate/pkg/entitlement"
)

const (
	maxCatalogBytes     = 1 << 20
	catalogDebounce     = 100 * time.Millisecond
	defaultPollInterval = 5 * time.Second
)

// LoadCatalog reads a product catalog JSON file of the form
// {"monthly": ["*monthly*"], "annual": ["*annual*"]}.
func LoadCatalog(path string) (*entitlement.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	if len(data) > maxCatalogBytes {
		return nil, fmt.Errorf("catalog %s exceeds %d bytes", path, maxCatalogBytes)
	}
	var catalog entitlement.Catalog
	if err := json.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	if catalog.Empty() {
		return nil, fmt.Errorf("catalog %s has no patterns", path)
	}
	return &catalog, nil
}

// CatalogWatcher reloads the product catalog when its file changes and
// hands the result to apply.
type CatalogWatcher struct {
	path         string
	apply        func(*entitlement.Catalog) bool
	watcher      *fsnotify.Watcher
	pollInterval time.Duration
	stopChan     chan struct{}
	stopOnce     sync.Once

	mu          sync.Mutex
	lastModTime time.Time
}

// NewCatalogWatcher creates a watcher for path.
func NewCatalogWatcher(path string, apply func(*entitlement.Catalog) bool) (*CatalogWatcher, error) {
	if apply == nil {
		return nil, errors.New("catalog watcher requires an apply func")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	cw := &CatalogWatcher{
		path:         filepath.Clean(path),
		apply:        apply,
		watcher:      watcher,
		pollInterval: defaultPollInterval,
		stopChan:     make(chan struct{}),
	}
	if stat, err := os.Stat(cw.path); err == nil {
		cw.lastModTime = stat.ModTime()
	}
	return cw, nil
}

// Start begins watching. The directory is watched rather than the file so
// editors that replace the file via rename are still seen.
func (cw *CatalogWatcher) Start() error {
	dir := filepath.Dir(cw.path)
	if err := cw.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch catalog directory; falling back to polling")
		go cw.pollForChanges()
		return nil
	}

	go cw.watchForChanges()
	log.Info().Str("catalog_path", cw.path).Msg("Started watching product catalog for changes")
	return nil
}

// Stop stops the watcher. Safe to call more than once.
func (cw *CatalogWatcher) Stop() {
	cw.stopOnce.Do(func() {
		close(cw.stopChan)
		cw.watcher.Close()
	})
}

// Reload reads the catalog now and applies it. Errors leave the active
// catalog untouched.
func (cw *CatalogWatcher) Reload() error {
	catalog, err := LoadCatalog(cw.path)
	if err != nil {
		log.Warn().Err(err).Str("catalog_path", cw.path).Msg("Keeping previous product catalog")
		return err
	}
	if !cw.apply(catalog) {
		return fmt.Errorf("catalog %s was rejected", cw.path)
	}
	log.Info().
		Str("catalog_path", cw.path).
		Int("monthly_patterns", len(catalog.Monthly)).
		Int("annual_patterns", len(catalog.Annual)).
		Msg("Reloaded product catalog")
	return nil
}

func (cw *CatalogWatcher) watchForChanges() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != cw.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce - wait a bit for the write to complete
			select {
			case <-time.After(catalogDebounce):
			case <-cw.stopChan:
				return
			}
			log.Debug().Str("event", event.Op.String()).Msg("Detected catalog file change")
			_ = cw.Reload()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Catalog watcher error")

		case <-cw.stopChan:
			return
		}
	}
}

func (cw *CatalogWatcher) pollForChanges() {
	ticker := time.NewTicker(cw.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(cw.path)
			if err != nil {
				continue
			}
			cw.mu.Lock()
			changed := stat.ModTime().After(cw.lastModTime)
			if changed {
				cw.lastModTime = stat.ModTime()
			}
			cw.mu.Unlock()
			if changed {
				log.Debug().Msg("Detected catalog file change via polling")
				_ = cw.Reload()
			}

		case <-cw.stopChan:
			return
		}
	}
}
