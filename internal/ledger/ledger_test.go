package ledger

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenMissingFileYieldsEmptySet(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "uploaded_docnumbers.json"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if l.Len() != 0 {
		t.Fatalf("expected empty ledger, got %d entries", l.Len())
	}
	if l.Contains("CAFE20251227-1") {
		t.Fatalf("empty ledger should not contain anything")
	}
}

func TestAddPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uploaded_docnumbers.json")

	l, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := l.AddAll([]string{"A-1", "A-2"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !reopened.Contains("A-1") || !reopened.Contains("A-2") {
		t.Fatalf("expected persisted entries, got %v", reopened.Snapshot())
	}
}

func TestAddAllIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uploaded_docnumbers.json")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := l.AddAll([]string{"A-1"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := l.AddAll([]string{"A-1"}); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	info2, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info1.ModTime() != info2.ModTime() && l.Len() != 1 {
		t.Fatalf("expected no-op re-add")
	}
	if l.Len() != 1 {
		t.Fatalf("expected one entry, got %d", l.Len())
	}
}

func TestHealStaleRemovesOnlyCheckedCandidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uploaded_docnumbers.json")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := l.AddAll([]string{"A-1", "A-2", "B-1"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	removed, err := l.HealStale([]string{"A-1", "A-2"}, map[string]bool{"A-1": true})
	if err != nil {
		t.Fatalf("heal: %v", err)
	}
	if len(removed) != 1 || removed[0] != "A-2" {
		t.Fatalf("expected A-2 healed, got %v", removed)
	}
	if !l.Contains("B-1") {
		t.Fatalf("unchecked entry must survive healing")
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Contains("A-2") {
		t.Fatalf("healed entry persisted")
	}
}

func TestOpenRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uploaded_docnumbers.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatalf("expected corrupt ledger to be rejected")
	}
}
