package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// BillingWatcher monitors billing.json files and reports which organization
// changed, so cached entitlements can be dropped before their TTL runs out.
type BillingWatcher struct {
	store    *FileBillingStore
	onChange func(orgID string)
	onReset  func()
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	stopOnce sync.Once

	debounce     time.Duration
	pollInterval time.Duration

	mu       sync.Mutex
	modTimes map[string]time.Time
}

// NewBillingWatcher creates a watcher over store's data directory.
func NewBillingWatcher(store *FileBillingStore, onChange func(orgID string)) (*BillingWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &BillingWatcher{
		store:        store,
		onChange:     onChange,
		watcher:      watcher,
		stopChan:     make(chan struct{}),
		debounce:     100 * time.Millisecond,
		pollInterval: 5 * time.Second,
		modTimes:     make(map[string]time.Time),
	}, nil
}

// Start begins watching. If the directories cannot be watched it falls back
// to polling.
func (bw *BillingWatcher) Start() error {
	root := bw.store.DataDir()
	orgsDir := bw.store.OrgsDir()

	if err := os.MkdirAll(orgsDir, 0o700); err != nil {
		log.Warn().Err(err).Str("path", orgsDir).Msg("Failed to create orgs directory")
	}

	bw.snapshotModTimes()

	err := bw.watcher.Add(root)
	if err != nil {
		log.Warn().Err(err).Str("path", root).Msg("Failed to watch billing directory")
	} else {
		if addErr := bw.watcher.Add(orgsDir); addErr != nil {
			log.Warn().Err(addErr).Str("path", orgsDir).Msg("Failed to watch orgs directory")
		}
		entries, _ := os.ReadDir(orgsDir)
		for _, entry := range entries {
			if entry.IsDir() {
				bw.addOrgDir(filepath.Join(orgsDir, entry.Name()))
			}
		}
	}

	if err != nil {
		log.Warn().Msg("Falling back to polling for billing changes")
		go bw.pollForChanges()
		return nil
	}

	go bw.watchForChanges()
	log.Info().Str("data_dir", root).Msg("Started watching billing state for changes")
	return nil
}

// OnReset registers fn to run when events may have been lost and every
// organization's billing state has to be treated as changed.
func (bw *BillingWatcher) OnReset(fn func()) *BillingWatcher {
	bw.onReset = fn
	return bw
}

// Stop stops the watcher. Safe to call more than once.
func (bw *BillingWatcher) Stop() {
	bw.stopOnce.Do(func() {
		close(bw.stopChan)
		_ = bw.watcher.Close()
	})
}

func (bw *BillingWatcher) addOrgDir(dir string) {
	if !IsValidOrgID(filepath.Base(dir)) {
		return
	}
	if err := bw.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch org billing directory")
	}
}

func (bw *BillingWatcher) watchForChanges() {
	for {
		select {
		case event, ok := <-bw.watcher.Events:
			if !ok {
				return
			}

			// New org directories need their own watch; fsnotify is not recursive.
			if event.Op&fsnotify.Create != 0 && filepath.Dir(filepath.Clean(event.Name)) == filepath.Clean(bw.store.OrgsDir()) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					bw.addOrgDir(event.Name)
					bw.notify(filepath.Join(event.Name, "billing.json"))
					continue
				}
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Base(event.Name) != "billing.json" {
				continue
			}

			// Debounce - wait a bit for write to complete
			time.Sleep(bw.debounce)
			log.Debug().Str("event", event.Op.String()).Str("path", event.Name).Msg("Detected billing state change")
			bw.notify(event.Name)

		case err, ok := <-bw.watcher.Errors:
			if !ok {
				return
			}
			bw.handleError(err)

		case <-bw.stopChan:
			return
		}
	}
}

// pollForChanges is a fallback that polls for changes
func (bw *BillingWatcher) pollForChanges() {
	ticker := time.NewTicker(bw.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, path := range bw.changedPaths() {
				log.Debug().Str("path", path).Msg("Detected billing state change via polling")
				bw.notify(path)
			}
		case <-bw.stopChan:
			return
		}
	}
}

// handleError rescans after a watcher error since any event may have been
// dropped (fsnotify.ErrEventOverflow in particular).
func (bw *BillingWatcher) handleError(err error) {
	log.Error().Err(err).Msg("Billing watcher error, rescanning billing state")
	bw.snapshotModTimes()
	if bw.onReset != nil {
		bw.onReset()
	}
}

func (bw *BillingWatcher) notify(path string) {
	orgID, ok := bw.store.OrgIDForPath(path)
	if !ok || bw.onChange == nil {
		return
	}
	bw.onChange(orgID)
}

func (bw *BillingWatcher) billingPaths() []string {
	paths := []string{filepath.Join(bw.store.DataDir(), "billing.json")}
	entries, err := os.ReadDir(bw.store.OrgsDir())
	if err != nil {
		return paths
	}
	for _, entry := range entries {
		if entry.IsDir() && IsValidOrgID(entry.Name()) {
			paths = append(paths, filepath.Join(bw.store.OrgsDir(), entry.Name(), "billing.json"))
		}
	}
	return paths
}

func (bw *BillingWatcher) snapshotModTimes() {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	for _, path := range bw.billingPaths() {
		if stat, err := os.Stat(path); err == nil {
			bw.modTimes[path] = stat.ModTime()
		}
	}
}

func (bw *BillingWatcher) changedPaths() []string {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	var changed []string
	for _, path := range bw.billingPaths() {
		stat, err := os.Stat(path)
		if err != nil {
			if _, seen := bw.modTimes[path]; seen {
				delete(bw.modTimes, path)
				changed = append(changed, path)
			}
			continue
		}
		if last, seen := bw.modTimes[path]; !seen || stat.ModTime().After(last) {
			bw.modTimes[path] = stat.ModTime()
			changed = append(changed, path)
		}
	}
	return changed
}
