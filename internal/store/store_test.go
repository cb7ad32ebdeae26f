package store

import (
	"path/filepath"
	"testing"
)

func TestStoreTransactionCommitVisibility(t *testing.T) {
	reg := NewRegistry(nil)
	s, err := reg.Open("batches")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	tx := s.OpenTransaction()
	tx.PutOpaque("a", []byte("1"))
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !s.Contains("a") {
		t.Fatalf("expected key a to be visible after commit")
	}
}

func TestStoreTransactionClearReplacesAll(t *testing.T) {
	reg := NewRegistry(nil)
	s, _ := reg.Open("batches")
	tx := s.OpenTransaction()
	tx.PutOpaque("a", []byte("1"))
	tx.PutOpaque("b", []byte("2"))
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx2 := s.OpenTransaction()
	tx2.Clear()
	tx2.PutOpaque("c", []byte("3"))
	if err := tx2.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	all := s.GetAll()
	if len(all) != 1 {
		t.Fatalf("expected exactly one key after clear+put, got %d", len(all))
	}
	if _, ok := all["c"]; !ok {
		t.Fatalf("expected key c present")
	}
}

func TestFileStorePersistsAcrossRegistries(t *testing.T) {
	dir := t.TempDir()
	factory := FileStoreFactory(dir)

	reg1 := NewRegistry(factory)
	s1, err := reg1.Open("windows")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	tx := s1.OpenTransaction()
	tx.PutOpaque("window-1", []byte(`{"sum":10}`))
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	reg2 := NewRegistry(factory)
	s2, err := reg2.Open("windows")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	v, ok := s2.GetOpaque("window-1")
	if !ok {
		t.Fatalf("expected window-1 to survive reload from %s", filepath.Join(dir, "windows.json"))
	}
	if string(v) != `{"sum":10}` {
		t.Fatalf("got %s", v)
	}
}
