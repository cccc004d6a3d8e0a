package goalsync

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := OpenSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteStorage: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func TestSQLiteSetGet(t *testing.T) {
	s := openTestStore(t)

	if _, ok, err := s.Get("missing"); err != nil || ok {
		t.Fatalf("Get(missing) = ok=%v err=%v, want absent", ok, err)
	}

	if err := s.Set("k", "v1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := s.Get("k")
	if err != nil || !ok || v != "v1" {
		t.Fatalf("Get(k) = %q ok=%v err=%v, want v1", v, ok, err)
	}

	// Overwrite via upsert.
	if err := s.Set("k", "v2"); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	v, _, _ = s.Get("k")
	if v != "v2" {
		t.Fatalf("after overwrite got %q, want v2", v)
	}
}

func TestSQLiteSetMany(t *testing.T) {
	s := openTestStore(t)

	batch := map[string]string{
		KeySyncAccessToken:  "access",
		KeySyncRefreshToken: "refresh",
	}
	if err := s.SetMany(batch); err != nil {
		t.Fatalf("SetMany: %v", err)
	}
	for k, want := range batch {
		v, ok, err := s.Get(k)
		if err != nil || !ok || v != want {
			t.Fatalf("Get(%q) = %q ok=%v err=%v, want %q", k, v, ok, err, want)
		}
	}
}

func TestSQLiteDelete(t *testing.T) {
	s := openTestStore(t)

	if err := s.SetMany(map[string]string{"a": "1", "b": "2", "c": "3"}); err != nil {
		t.Fatalf("SetMany: %v", err)
	}
	if err := s.Delete("a", "c", "never-existed"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get("a"); ok {
		t.Fatal("a survived Delete")
	}
	if _, ok, _ := s.Get("b"); !ok {
		t.Fatal("b was deleted but should remain")
	}
}

func TestSQLiteKeys(t *testing.T) {
	s := openTestStore(t)

	keys, err := s.Keys()
	if err != nil {
		t.Fatalf("Keys on empty store: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("empty store returned keys %v", keys)
	}

	if err := s.SetMany(map[string]string{"b": "2", "a": "1", "c": "3"}); err != nil {
		t.Fatalf("SetMany: %v", err)
	}
	keys, err = s.Keys()
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(keys) != len(want) {
		t.Fatalf("Keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("Keys = %v, want sorted %v", keys, want)
		}
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	s, err := OpenSQLiteStorage(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Set("k", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := OpenSQLiteStorage(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s2.Close() }()
	v, ok, err := s2.Get("k")
	if err != nil || !ok || v != "v" {
		t.Fatalf("after reopen Get(k) = %q ok=%v err=%v", v, ok, err)
	}
}
