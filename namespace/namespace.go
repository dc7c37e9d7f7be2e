// Package namespace provides the per-session identifier store: named
// values with provenance, persisted across executions, with single-open
// transactions and named checkpoints.
package namespace

import "errors"

var (
	// ErrTransactionOpen rejects an operation that cannot run while a
	// transaction is open: a second Begin, a direct Define, or a
	// checkpoint/restore.
	ErrTransactionOpen = errors.New("transaction already open")

	// ErrTransactionDone rejects use of a transaction after it was
	// committed or rolled back.
	ErrTransactionDone = errors.New("transaction already finished")

	// ErrNoSuchCheckpoint rejects a restore with an unknown checkpoint ID.
	ErrNoSuchCheckpoint = errors.New("no such checkpoint")

	// ErrCommitConflict aborts a commit whose recorded base entries no
	// longer match the store. Nothing is applied.
	ErrCommitConflict = errors.New("commit conflict")
)

// Kind classifies what an entry's source text defined.
type Kind uint8

const (
	KindVariable Kind = iota
	KindFunction
	KindClass
	KindImport
)

func (k Kind) String() string {
	switch k {
	case KindVariable:
		return "variable"
	case KindFunction:
		return "function"
	case KindClass:
		return "class"
	case KindImport:
		return "import"
	default:
		return "unknown"
	}
}

// Entry is one named binding. Value is an engine-level handle, opaque to
// the store. DefinedInTxn carries the ID of the transaction whose commit
// produced the entry, or is empty for direct defines.
type Entry struct {
	Name         string
	Value        any
	Kind         Kind
	SourceText   string
	DefinedInTxn string
}

// EntryInfo is the introspection summary of one entry.
type EntryInfo struct {
	Name string
	Kind Kind
}
