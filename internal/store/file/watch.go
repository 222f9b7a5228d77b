package file

import (
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/manifoldmcp/manifold/internal/common"
	"github.com/manifoldmcp/manifold/internal/config"
	"github.com/manifoldmcp/manifold/internal/store"
)

const (
	debounceInterval = 500 * time.Millisecond
	pollInterval     = 2 * time.Second
)

// watcher observes the backing config file for external edits. Editors often
// replace files via rename, so it watches the parent directory and filters
// events down to the config file's base name.
type watcher struct {
	store    *Store
	fsw      *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once

	mu    sync.Mutex
	timer *time.Timer
}

func newWatcher(s *Store) *watcher {
	return &watcher{store: s, stopCh: make(chan struct{})}
}

func (w *watcher) start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		common.LogWarn("Config watcher unavailable, falling back to polling: %v", err)
		go w.pollLoop()
		return nil
	}
	if err := fsw.Add(filepath.Dir(w.store.path)); err != nil {
		_ = fsw.Close()
		common.LogWarn("Config watcher unavailable, falling back to polling: %v", err)
		go w.pollLoop()
		return nil
	}
	w.fsw = fsw

	base := filepath.Base(w.store.path)
	events := fsw.Events
	errors := fsw.Errors
	go func() {
		for {
			select {
			case <-w.stopCh:
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				w.scheduleReload()
			case err, ok := <-errors:
				if !ok {
					return
				}
				common.LogWarn("Config watcher error: %v", err)
			}
		}
	}()
	return nil
}

func (w *watcher) stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		if w.fsw != nil {
			_ = w.fsw.Close()
		}
	})
}

// scheduleReload coalesces bursts of file events into a single reload.
func (w *watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceInterval, w.reload)
}

// reload re-reads the backing file and emits events for every entity that
// differs from the in-memory state. A save made through the store produces
// an identical file, so the diff is empty and no duplicate events fire.
func (w *watcher) reload() {
	next, err := config.LoadConfigFromPath(w.store.path)
	if err != nil {
		common.LogWarn("Config reload failed, keeping previous state: %v", err)
		return
	}

	w.store.mu.Lock()
	events := diffConfigs(w.store.cfg, next)
	w.store.cfg = next
	w.store.mu.Unlock()

	if len(events) > 0 {
		common.LogInfo("Config file changed externally, %d update(s)", len(events))
	}
	for _, event := range events {
		w.store.broadcast.Emit(event)
	}
}

func (w *watcher) pollLoop() {
	var lastMod time.Time
	if info, err := os.Stat(w.store.path); err == nil {
		lastMod = info.ModTime()
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			info, err := os.Stat(w.store.path)
			if err != nil {
				continue
			}
			if info.ModTime().After(lastMod) {
				lastMod = info.ModTime()
				w.scheduleReload()
			}
		}
	}
}

// diffConfigs compares two config snapshots entity by entity.
func diffConfigs(old, next *config.GlobalConfig) []store.Event {
	var events []store.Event

	for name, srv := range next.Servers {
		prev, ok := old.Servers[name]
		if !ok {
			events = append(events, store.Event{
				Kind:           store.EventServerUpdated,
				Name:           name,
				NewFingerprint: srv.Fingerprint(),
			})
			continue
		}
		if !reflect.DeepEqual(prev, srv) {
			events = append(events, store.Event{
				Kind:           store.EventServerUpdated,
				Name:           name,
				OldFingerprint: prev.Fingerprint(),
				NewFingerprint: srv.Fingerprint(),
			})
		}
	}
	for name, prev := range old.Servers {
		if _, ok := next.Servers[name]; !ok {
			events = append(events, store.Event{
				Kind:           store.EventServerRemoved,
				Name:           name,
				OldFingerprint: prev.Fingerprint(),
			})
		}
	}

	for name, ns := range next.Namespaces {
		prev, ok := old.Namespaces[name]
		if !ok || !reflect.DeepEqual(prev, ns) {
			events = append(events, store.Event{Kind: store.EventNamespaceUpdated, Name: name})
		}
	}
	for name := range old.Namespaces {
		if _, ok := next.Namespaces[name]; !ok {
			events = append(events, store.Event{Kind: store.EventNamespaceRemoved, Name: name})
		}
	}

	for name, ep := range next.Endpoints {
		prev, ok := old.Endpoints[name]
		if !ok || !reflect.DeepEqual(prev, ep) {
			events = append(events, store.Event{Kind: store.EventEndpointUpdated, Name: name})
		}
	}
	for name := range old.Endpoints {
		if _, ok := next.Endpoints[name]; !ok {
			events = append(events, store.Event{Kind: store.EventEndpointRemoved, Name: name})
		}
	}

	if !reflect.DeepEqual(old.Settings, next.Settings) {
		events = append(events, store.Event{Kind: store.EventSettingsUpdated})
	}

	return events
}
