// Package ledger tracks the document numbers a tenant has successfully
// uploaded to the remote accounting service. The file is the source of
// truth for the first deduplication layer; the remote existence check is
// the second.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Ledger is a per-tenant persistent set of uploaded document numbers.
// Writes are serialized per instance and performed atomically via a temp
// file and rename; readers tolerate concurrent writes.
type Ledger struct {
	path string

	mu   sync.Mutex
	docs map[string]struct{}
}

// Open loads the ledger at path. A missing file yields an empty set.
func Open(path string) (*Ledger, error) {
	l := &Ledger{path: path, docs: make(map[string]struct{})}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", path, err)
	}

	var docs []string
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("ledger %s is corrupt: %w", path, err)
	}
	for _, doc := range docs {
		l.docs[doc] = struct{}{}
	}
	return l, nil
}

// Contains reports whether the document number has been uploaded.
func (l *Ledger) Contains(doc string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.docs[doc]
	return ok
}

// Len returns the number of recorded document numbers.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.docs)
}

// Add records a document number and persists the set.
func (l *Ledger) Add(doc string) error {
	return l.AddAll([]string{doc})
}

// AddAll records several document numbers in one write.
func (l *Ledger) AddAll(docs []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	changed := false
	for _, doc := range docs {
		if _, ok := l.docs[doc]; !ok {
			l.docs[doc] = struct{}{}
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return l.persistLocked()
}

// HealStale removes entries absent from a freshly queried remote
// snapshot, restricted to the candidate set the caller checked. Entries
// outside candidates are untouched: the remote snapshot is date-scoped
// and says nothing about them. Returns the removed document numbers.
func (l *Ledger) HealStale(candidates []string, foundInRemote map[string]bool) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var removed []string
	for _, doc := range candidates {
		if foundInRemote[doc] {
			continue
		}
		if _, ok := l.docs[doc]; ok {
			delete(l.docs, doc)
			removed = append(removed, doc)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}
	if err := l.persistLocked(); err != nil {
		return nil, err
	}
	return removed, nil
}

// Snapshot returns the sorted document numbers. Test and reporting hook.
func (l *Ledger) Snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.docs))
	for doc := range l.docs {
		out = append(out, doc)
	}
	sort.Strings(out)
	return out
}

func (l *Ledger) persistLocked() error {
	docs := make([]string, 0, len(l.docs))
	for doc := range l.docs {
		docs = append(docs, doc)
	}
	sort.Strings(docs)

	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".ledger-*.tmp")
	if err != nil {
		return fmt.Errorf("write ledger temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write ledger temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close ledger temp: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace ledger %s: %w", l.path, err)
	}
	return nil
}
