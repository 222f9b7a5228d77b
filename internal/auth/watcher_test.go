package auth

import (
	"path/filepath"
	"testing"
	"time"
)

type watcherChange struct {
	store   *APIKeyStore
	revoked []string
}

func TestWatcherReportsRevokedKeys(t *testing.T) {
	// Given: a key file with two keys and a running watcher.
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "api_keys.json")

	entry1, err := NewAPIKeyEntry("sk-one", "")
	if err != nil {
		t.Fatalf("failed to create entry: %v", err)
	}
	entry2, err := NewAPIKeyEntry("sk-two", "")
	if err != nil {
		t.Fatalf("failed to create entry: %v", err)
	}
	if _, err := AppendAPIKey(path, entry1); err != nil {
		t.Fatalf("failed to append: %v", err)
	}
	if _, err := AppendAPIKey(path, entry2); err != nil {
		t.Fatalf("failed to append: %v", err)
	}

	initial, err := LoadAPIKeys(path)
	if err != nil {
		t.Fatalf("failed to load keys: %v", err)
	}

	changes := make(chan watcherChange, 4)
	watcher := NewWatcher(path, initial, func(store *APIKeyStore, revoked []string) {
		changes <- watcherChange{store: store, revoked: revoked}
	})
	watcher.debounce = 50 * time.Millisecond
	if err := watcher.Start(); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	defer watcher.Stop()

	// When: a key is removed from the file.
	if _, err := RemoveAPIKey(path, entry1.ID); err != nil {
		t.Fatalf("failed to remove key: %v", err)
	}

	// Then: the watcher reports the revoked id.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case change := <-changes:
			if len(change.revoked) == 0 {
				// Debounced intermediate reload; keep waiting.
				continue
			}
			if change.revoked[0] != entry1.ID {
				t.Fatalf("expected %s revoked, got %v", entry1.ID, change.revoked)
			}
			if change.store == nil || change.store.Count() != 1 {
				t.Fatalf("expected 1 remaining key, got %+v", change.store)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for watcher change")
		}
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api_keys.json")
	watcher := NewWatcher(path, nil, nil)
	if err := watcher.Start(); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}

	watcher.Stop()
	watcher.Stop()
}
