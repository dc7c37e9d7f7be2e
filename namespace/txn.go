package namespace

import (
	"fmt"
	"reflect"
)

// Txn buffers an ordered sequence of writes against its store. Writes are
// visible through Txn.Lookup before commit (read your own writes) and
// invisible to Store readers until Commit applies them all at once.
// Commit and Rollback are the only ways a transaction ends.
type Txn struct {
	id    string
	store *Store
	done  bool

	writes []txnWrite
	view   map[string]Entry
}

type txnWrite struct {
	name  string
	old   *Entry // committed entry the write shadows, nil if absent
	entry Entry
}

// ID returns the transaction's identifier.
func (t *Txn) ID() string {
	return t.id
}

// Write buffers an upsert of name. The entry is stamped with this
// transaction's ID and applied only on Commit.
func (t *Txn) Write(name string, value any, kind Kind, sourceText string) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.done {
		return ErrTransactionDone
	}
	var old *Entry
	if prev, ok := t.store.entries[name]; ok {
		prev := prev
		old = &prev
	}
	entry := Entry{
		Name:         name,
		Value:        value,
		Kind:         kind,
		SourceText:   sourceText,
		DefinedInTxn: t.id,
	}
	t.writes = append(t.writes, txnWrite{name: name, old: old, entry: entry})
	t.view[name] = entry
	return nil
}

// Lookup returns name as seen from inside the transaction: pending writes
// first, then the committed store.
func (t *Txn) Lookup(name string) (Entry, bool) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	if !t.done {
		if e, ok := t.view[name]; ok {
			return e, true
		}
	}
	e, ok := t.store.entries[name]
	return e, ok
}

// Commit validates the recorded base entries and applies the buffered
// writes in recorded order. The swap is all-or-nothing: Store readers
// observe either none of the writes or all of them, and a validation
// failure applies nothing.
func (t *Txn) Commit() error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.done {
		return ErrTransactionDone
	}
	for _, w := range t.writes {
		cur, ok := t.store.entries[w.name]
		switch {
		case w.old == nil && ok:
			return fmt.Errorf("%w: %q defined since begin", ErrCommitConflict, w.name)
		case w.old != nil && (!ok || !reflect.DeepEqual(cur, *w.old)):
			return fmt.Errorf("%w: %q changed since begin", ErrCommitConflict, w.name)
		}
	}
	staged := copyEntries(t.store.entries)
	for _, w := range t.writes {
		staged[w.name] = w.entry
	}
	t.store.entries = staged
	t.finish()
	return nil
}

// Rollback discards the buffered writes; the store is exactly as it was
// before Begin.
func (t *Txn) Rollback() error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.done {
		return ErrTransactionDone
	}
	t.finish()
	return nil
}

// finish is called with the store lock held.
func (t *Txn) finish() {
	t.done = true
	if t.store.open == t {
		t.store.open = nil
	}
}
