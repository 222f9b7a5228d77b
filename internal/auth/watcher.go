package auth

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/manifoldmcp/manifold/internal/common"
)

// DefaultDebounceInterval batches rapid successive writes to the key file
// (editors and atomic-save tools often produce several events per save).
const DefaultDebounceInterval = 500 * time.Millisecond

const pollInterval = 2 * time.Second

// Watcher observes the API key file and reports reloads. Each change
// callback receives the new snapshot and the ids of keys that disappeared,
// so the gateway can close sessions of revoked principals.
type Watcher struct {
	path     string
	onChange func(store *APIKeyStore, revoked []string)
	debounce time.Duration

	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	timer   *time.Timer
	current *APIKeyStore
}

// NewWatcher creates a watcher for the given key file. The initial store may
// be nil when no keys exist yet.
func NewWatcher(path string, initial *APIKeyStore, onChange func(*APIKeyStore, []string)) *Watcher {
	return &Watcher{
		path:     path,
		onChange: onChange,
		debounce: DefaultDebounceInterval,
		stopCh:   make(chan struct{}),
		current:  initial,
	}
}

// Start begins watching. Falls back to modtime polling when the platform
// watcher cannot be created.
func (w *Watcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		common.LogWarn("api key watcher unavailable, falling back to polling: %v", err)
		go w.pollLoop()
		return nil
	}

	// Watch the directory: the file may not exist yet, and atomic renames
	// replace the inode.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		common.LogWarn("api key watcher add failed, falling back to polling: %v", err)
		go w.pollLoop()
		return nil
	}

	w.watcher = watcher
	events := watcher.Events
	errorsCh := watcher.Errors

	go func() {
		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != filepath.Base(w.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				w.scheduleReload()
			case err, ok := <-errorsCh:
				if !ok {
					return
				}
				common.LogWarn("api key watcher error: %v", err)
			case <-w.stopCh:
				return
			}
		}
	}()

	return nil
}

// Stop terminates the watcher. Safe to call multiple times.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		if w.watcher != nil {
			w.watcher.Close()
		}
	})
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	select {
	case <-w.stopCh:
		return
	default:
	}

	store, err := LoadAPIKeys(w.path)
	switch {
	case err == nil:
	case errors.Is(err, ErrAPIKeysNotFound), errors.Is(err, ErrAPIKeysEmpty):
		store = nil
	default:
		// Likely a partial write; keep the current snapshot.
		common.LogWarn("api key reload failed: %v", err)
		return
	}

	w.mu.Lock()
	previous := w.current
	w.current = store
	w.mu.Unlock()

	revoked := diffKeyIDs(previous, store)
	if w.onChange != nil {
		w.onChange(store, revoked)
	}
}

func (w *Watcher) pollLoop() {
	var lastMod time.Time
	if info, err := os.Stat(w.path); err == nil {
		lastMod = info.ModTime()
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			info, err := os.Stat(w.path)
			switch {
			case err == nil && info.ModTime() != lastMod:
				lastMod = info.ModTime()
				w.reload()
			case err != nil && !lastMod.IsZero():
				lastMod = time.Time{}
				w.reload()
			}
		case <-w.stopCh:
			return
		}
	}
}

// diffKeyIDs returns ids present in the previous snapshot but missing from
// the new one.
func diffKeyIDs(previous, current *APIKeyStore) []string {
	if previous == nil {
		return nil
	}
	currentIDs := make(map[string]bool)
	for _, id := range current.IDs() {
		currentIDs[id] = true
	}
	var revoked []string
	for _, id := range previous.IDs() {
		if !currentIDs[id] {
			revoked = append(revoked, id)
		}
	}
	return revoked
}
