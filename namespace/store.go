package namespace

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Store maps names to entries. Mutations are merge-only: defines and
// commits update or add keys, they never clear unrelated ones. The only
// whole-store mutations are Reset and Restore. The bound executor is the
// sole mutator; the lock exists so introspection readers can run
// concurrently with it.
type Store struct {
	mu          sync.RWMutex
	entries     map[string]Entry
	open        *Txn
	checkpoints map[string]checkpoint
}

type checkpoint struct {
	label   string
	entries map[string]Entry
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		entries:     make(map[string]Entry),
		checkpoints: make(map[string]checkpoint),
	}
}

// Define upserts one committed entry. While a transaction is open all
// writes must flow through it, so Define fails with ErrTransactionOpen.
func (s *Store) Define(name string, value any, kind Kind, sourceText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open != nil {
		return ErrTransactionOpen
	}
	s.entries[name] = Entry{
		Name:       name,
		Value:      value,
		Kind:       kind,
		SourceText: sourceText,
	}
	return nil
}

// Lookup returns the committed entry for name. Pending transaction writes
// are not visible here; use Txn.Lookup for the read-your-own-writes view.
func (s *Store) Lookup(name string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	return e, ok
}

// Len returns the number of committed entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Entries returns name-sorted summaries of the committed entries.
func (s *Store) Entries() []EntryInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]EntryInfo, 0, len(s.entries))
	for _, e := range s.entries {
		infos = append(infos, EntryInfo{Name: e.Name, Kind: e.Kind})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Snapshot returns a copy of the committed entries.
func (s *Store) Snapshot() map[string]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyEntries(s.entries)
}

// Reset wipes all entries and checkpoints, abandoning any open
// transaction. This is the one operation that clears the mapping.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open != nil {
		s.open.done = true
		s.open = nil
	}
	s.entries = make(map[string]Entry)
	s.checkpoints = make(map[string]checkpoint)
}

// Begin opens a transaction. At most one may be open per store.
func (s *Store) Begin() (*Txn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open != nil {
		return nil, ErrTransactionOpen
	}
	t := &Txn{
		id:    uuid.NewString(),
		store: s,
		view:  make(map[string]Entry),
	}
	s.open = t
	return t, nil
}

// Open returns the open transaction, if any.
func (s *Store) Open() *Txn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open
}

// RollbackOpen discards the open transaction if there is one, returning
// its ID. Used by the executor's termination path so a partial execution
// never leaves a dangling transaction for the next one.
func (s *Store) RollbackOpen() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open == nil {
		return "", false
	}
	id := s.open.id
	s.open.done = true
	s.open = nil
	return id, true
}

// Checkpoint snapshots the committed entries under a fresh ID. The label
// is advisory. Fails while a transaction is open.
func (s *Store) Checkpoint(label string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open != nil {
		return "", ErrTransactionOpen
	}
	id := uuid.NewString()
	s.checkpoints[id] = checkpoint{label: label, entries: copyEntries(s.entries)}
	return id, nil
}

// Restore replaces the visible entries with a copy of the checkpoint's.
// Defines after a restore merge as usual. Fails while a transaction is
// open.
func (s *Store) Restore(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open != nil {
		return ErrTransactionOpen
	}
	cp, ok := s.checkpoints[id]
	if !ok {
		return ErrNoSuchCheckpoint
	}
	s.entries = copyEntries(cp.entries)
	return nil
}

// CheckpointLabel returns the label a checkpoint was taken under.
func (s *Store) CheckpointLabel(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[id]
	return cp.label, ok
}

// CheckpointInfo is the introspection summary of one checkpoint.
type CheckpointInfo struct {
	ID    string
	Label string
	Size  int
}

// Checkpoints returns summaries of all checkpoints, sorted by label then ID.
func (s *Store) Checkpoints() []CheckpointInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]CheckpointInfo, 0, len(s.checkpoints))
	for id, cp := range s.checkpoints {
		infos = append(infos, CheckpointInfo{ID: id, Label: cp.label, Size: len(cp.entries)})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Label != infos[j].Label {
			return infos[i].Label < infos[j].Label
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

func copyEntries(src map[string]Entry) map[string]Entry {
	dst := make(map[string]Entry, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
