package result

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteJSONAtomic(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "result.json")
	payload := map[string]any{"status": "ran", "url": "https://example.com?a=1&b=2"}

	if err := WriteJSONAtomic(path, payload); err != nil {
		t.Fatalf("WriteJSONAtomic() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	var loaded map[string]any
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if loaded["status"] != "ran" {
		t.Errorf("loaded = %v", loaded)
	}
	// HTML escaping is off; ampersands survive verbatim.
	if !strings.Contains(string(data), "a=1&b=2") {
		t.Errorf("output escaped HTML: %s", data)
	}

	// No temp leftovers next to the target.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("directory has leftovers: %v", entries)
	}
}

func TestWriteJSONAtomicOverwrites(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "result.json")
	if err := WriteJSONAtomic(path, map[string]int{"v": 1}); err != nil {
		t.Fatal(err)
	}
	if err := WriteJSONAtomic(path, map[string]int{"v": 2}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var loaded map[string]int
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatal(err)
	}
	if loaded["v"] != 2 {
		t.Errorf("v = %d, want 2", loaded["v"])
	}
}
