package statestore

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "state.json"))
}

func TestRoundTrip(t *testing.T) {
	s := newTestStore(t)

	s.Set("access_token", "tok-123", true)
	s.Set("count", float64(42), true)
	s.Set("nested", map[string]interface{}{"a": "b"}, true)

	// re-read through a fresh store against the same file
	s2 := New(s.FileName())
	if err := s2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := s2.Get("access_token", nil); got != "tok-123" {
		t.Errorf("access_token = %v, want tok-123", got)
	}
	if got := s2.Get("count", nil); got != float64(42) {
		t.Errorf("count = %v, want 42", got)
	}
	want := map[string]interface{}{"a": "b"}
	if got := s2.Get("nested", nil); !reflect.DeepEqual(got, want) {
		t.Errorf("nested = %v, want %v", got, want)
	}
}

func TestGetDefault(t *testing.T) {
	s := newTestStore(t)

	if got := s.Get("missing", "fallback"); got != "fallback" {
		t.Errorf("Get(missing) = %v, want fallback", got)
	}
	if got := s.GetString("missing", "fb"); got != "fb" {
		t.Errorf("GetString(missing) = %v, want fb", got)
	}

	// non-string value falls back for GetString
	s.Set("num", float64(7), false)
	if got := s.GetString("num", "fb"); got != "fb" {
		t.Errorf("GetString(num) = %v, want fb", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	s := newTestStore(t)

	if err := s.Load(); err != nil {
		t.Fatalf("Load of missing file: %v", err)
	}
	if got := len(s.All()); got != 0 {
		t.Errorf("state has %d keys, want 0", got)
	}
}

func TestLoadCorruptFileMovesAside(t *testing.T) {
	s := newTestStore(t)

	if err := os.WriteFile(s.FileName(), []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	if err := s.Load(); err != nil {
		t.Fatalf("Load of corrupt file: %v", err)
	}
	if got := len(s.All()); got != 0 {
		t.Errorf("state has %d keys, want 0", got)
	}

	// the corrupt content must survive as a timestamped backup
	entries, err := os.ReadDir(filepath.Dir(s.FileName()))
	if err != nil {
		t.Fatal(err)
	}

	var foundBackup bool
	for _, e := range entries {
		if strings.Contains(e.Name(), ".corrupted.") {
			foundBackup = true
		}
		if e.Name() == filepath.Base(s.FileName()) {
			t.Errorf("corrupt file still in place")
		}
	}
	if !foundBackup {
		t.Errorf("no .corrupted backup found")
	}
}

func TestCrashMidWriteLeavesFileIntact(t *testing.T) {
	s := newTestStore(t)
	s.Set("key", "stable", true)

	// simulate a crash mid-write: a truncated temp file that never
	// got renamed over the destination
	tmpName := s.FileName() + ".tmp-crashed"
	if err := os.WriteFile(tmpName, []byte(`{"key": "par`), 0600); err != nil {
		t.Fatal(err)
	}

	s2 := New(s.FileName())
	if err := s2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := s2.Get("key", nil); got != "stable" {
		t.Errorf("key = %v, want stable", got)
	}
}

func TestUpdate(t *testing.T) {
	s := newTestStore(t)

	inc := func(v interface{}) interface{} {
		return v.(float64) + 1
	}

	if got := s.Update("counter", inc, float64(0)); got != float64(1) {
		t.Errorf("first Update = %v, want 1", got)
	}
	if got := s.Update("counter", inc, float64(0)); got != float64(2) {
		t.Errorf("second Update = %v, want 2", got)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)

	s.Set("gone", "soon", true)
	s.Delete("gone")

	s2 := New(s.FileName())
	if err := s2.Load(); err != nil {
		t.Fatal(err)
	}
	if got := s2.Get("gone", nil); got != nil {
		t.Errorf("deleted key survived reload: %v", got)
	}
}

func TestAllIsDefensiveCopy(t *testing.T) {
	s := newTestStore(t)
	s.Set("a", "1", false)

	all := s.All()
	all["a"] = "mutated"
	all["b"] = "new"

	if got := s.Get("a", nil); got != "1" {
		t.Errorf("a = %v after mutating the copy, want 1", got)
	}
	if got := s.Get("b", nil); got != nil {
		t.Errorf("b leaked into the store: %v", got)
	}
}

func TestSetWithoutPersist(t *testing.T) {
	s := newTestStore(t)
	s.Set("mem-only", "x", false)

	if _, err := os.Stat(s.FileName()); !os.IsNotExist(err) {
		t.Errorf("state file written for persist=false set")
	}

	// in-memory state is still authoritative
	if got := s.Get("mem-only", nil); got != "x" {
		t.Errorf("mem-only = %v, want x", got)
	}
}
