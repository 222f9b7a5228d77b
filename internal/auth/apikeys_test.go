package auth

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestLoadAPIKeys_NotFound(t *testing.T) {
	// Given: a path that does not exist
	path := filepath.Join(t.TempDir(), "missing.json")

	// When: loading API keys from the missing file
	_, err := LoadAPIKeys(path)

	// Then: we should get a not-found error
	if err == nil || !errors.Is(err, ErrAPIKeysNotFound) {
		t.Fatalf("expected ErrAPIKeysNotFound, got %v", err)
	}
}

func TestLoadAPIKeys_ObjectFormat(t *testing.T) {
	// Given: a JSON object with hashed keys
	hash1 := hashKey(t, "key-1")
	hash2 := hashKey(t, "key-2")
	path := writeTempFile(t, `{"keys":[{"id":"key_1","hash":"`+hash1+`","created_at":"2025-01-01T00:00:00Z"},{"id":"key_2","hash":"`+hash2+`","created_at":"2025-01-02T00:00:00Z"}]}`)

	// When: loading API keys from the file
	store, err := LoadAPIKeys(path)

	// Then: keys should validate and resolve to their ids
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.Count() != 2 {
		t.Fatalf("expected 2 keys, got %d", store.Count())
	}

	id, ok := store.Validate("key-1")
	if !ok || id != "key_1" {
		t.Fatalf("expected key-1 to resolve to key_1, got %q (%v)", id, ok)
	}
	id, ok = store.Validate("key-2")
	if !ok || id != "key_2" {
		t.Fatalf("expected key-2 to resolve to key_2, got %q (%v)", id, ok)
	}
	if _, ok := store.Validate("missing"); ok {
		t.Fatalf("expected missing key to be invalid")
	}
}

func TestLoadAPIKeys_ArrayFormat(t *testing.T) {
	// Given: a JSON array (unsupported format)
	path := writeTempFile(t, `["key-1","key-2"]`)

	// When: loading API keys from the file
	store, err := LoadAPIKeys(path)

	// Then: array format should be rejected
	if err == nil {
		t.Fatalf("expected error, got store with %d keys", store.Count())
	}
}

func TestLoadAPIKeys_Empty(t *testing.T) {
	// Given: a JSON object with an empty keys list
	path := writeTempFile(t, `{"keys":[]}`)

	// When: loading API keys from the file
	_, err := LoadAPIKeys(path)

	// Then: we should get an empty-keys error
	if err == nil || !errors.Is(err, ErrAPIKeysEmpty) {
		t.Fatalf("expected ErrAPIKeysEmpty, got %v", err)
	}
}

func TestAppendAPIKey(t *testing.T) {
	// Given: an empty api key file
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "api_keys.json")

	plain := "sk-test-key"
	entry, err := NewAPIKeyEntry(plain, "test key")
	if err != nil {
		t.Fatalf("failed to create entry: %v", err)
	}

	// When: appending the key
	if _, err := AppendAPIKey(path, entry); err != nil {
		t.Fatalf("failed to append api key: %v", err)
	}

	// Then: the key should validate and carry its name
	store, err := LoadAPIKeys(path)
	if err != nil {
		t.Fatalf("failed to load api keys: %v", err)
	}
	if _, ok := store.Validate(plain); !ok {
		t.Fatalf("expected key to validate")
	}
	if store.Entries()[0].Name != "test key" {
		t.Fatalf("expected key name to persist, got %q", store.Entries()[0].Name)
	}
}

func TestRemoveAPIKey(t *testing.T) {
	// Given: a file with two keys
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "api_keys.json")

	entry1, err := NewAPIKeyEntry("sk-first", "")
	if err != nil {
		t.Fatalf("failed to create entry: %v", err)
	}
	entry2, err := NewAPIKeyEntry("sk-second", "")
	if err != nil {
		t.Fatalf("failed to create entry: %v", err)
	}
	if _, err := AppendAPIKey(path, entry1); err != nil {
		t.Fatalf("failed to append: %v", err)
	}
	if _, err := AppendAPIKey(path, entry2); err != nil {
		t.Fatalf("failed to append: %v", err)
	}

	// When: removing the first key
	file, err := RemoveAPIKey(path, entry1.ID)
	if err != nil {
		t.Fatalf("failed to remove api key: %v", err)
	}

	// Then: only the second key remains valid
	if len(file.Keys) != 1 {
		t.Fatalf("expected 1 key after removal, got %d", len(file.Keys))
	}
	store, err := LoadAPIKeys(path)
	if err != nil {
		t.Fatalf("failed to load api keys: %v", err)
	}
	if _, ok := store.Validate("sk-first"); ok {
		t.Fatalf("expected removed key to be invalid")
	}
	if _, ok := store.Validate("sk-second"); !ok {
		t.Fatalf("expected remaining key to validate")
	}
}

func TestRemoveAPIKey_UnknownID(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "api_keys.json")

	entry, err := NewAPIKeyEntry("sk-only", "")
	if err != nil {
		t.Fatalf("failed to create entry: %v", err)
	}
	if _, err := AppendAPIKey(path, entry); err != nil {
		t.Fatalf("failed to append: %v", err)
	}

	_, err = RemoveAPIKey(path, "key_does_not_exist")
	if err == nil || !errors.Is(err, ErrAPIKeyUnknown) {
		t.Fatalf("expected ErrAPIKeyUnknown, got %v", err)
	}
}

func TestGenerateAPIKeyFormat(t *testing.T) {
	key, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	if len(key) < 10 || key[:3] != "sk-" {
		t.Fatalf("expected sk- prefixed key, got %q", key)
	}

	other, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	if key == other {
		t.Fatalf("expected unique keys")
	}
}

func TestDiffKeyIDs(t *testing.T) {
	previous := &APIKeyStore{entries: []APIKeyEntry{
		{ID: "key_a", Hash: "x"},
		{ID: "key_b", Hash: "x"},
	}}
	current := &APIKeyStore{entries: []APIKeyEntry{
		{ID: "key_b", Hash: "x"},
	}}

	revoked := diffKeyIDs(previous, current)
	if len(revoked) != 1 || revoked[0] != "key_a" {
		t.Fatalf("expected key_a revoked, got %v", revoked)
	}

	// All keys gone.
	revoked = diffKeyIDs(previous, nil)
	if len(revoked) != 2 {
		t.Fatalf("expected both keys revoked, got %v", revoked)
	}

	// Nothing before means nothing revoked.
	if diffKeyIDs(nil, current) != nil {
		t.Fatalf("expected nil diff from nil previous")
	}
}

func writeTempFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "api_keys.json")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func hashKey(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash key: %v", err)
	}
	return string(hash)
}
