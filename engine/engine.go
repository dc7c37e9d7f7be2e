// Package engine defines the seam between the session core and a code
// evaluation engine. The core owns framing, sessions, namespaces, and
// message ordering; an Engine owns only the evaluation of one code unit.
package engine

import (
	"context"
	"fmt"

	"github.com/casepot/capsule-sub004/namespace"
	"github.com/casepot/capsule-sub004/protocol"
)

// Env is the executor-provided environment an Engine evaluates against.
//
// Contract:
//   - Print delivers output immediately; the core guarantees it reaches
//     the consumer before the execution's terminal message.
//   - ReadInput suspends the execution until the matching response
//     arrives; it returns ctx's error on cancellation or timeout.
//   - Lookup/Define read and write the session namespace. While a
//     transaction is open (Begin), defines buffer in it and lookups see
//     the transaction's own writes.
//   - Begin/Commit/Rollback control the namespace transaction. The core
//     rolls back any transaction still open when the execution ends.
type Env interface {
	Print(stream protocol.Stream, text string)
	ReadInput(ctx context.Context, prompt string) (string, error)
	Lookup(name string) (namespace.Entry, bool)
	Define(name string, value any, kind namespace.Kind, sourceText string) error
	Begin() error
	Commit() error
	Rollback() error
}

// Engine evaluates code units.
//
// Contract:
//   - Execute runs one code unit to completion against env and returns
//     its result value, or an error. User-code faults must be returned as
//     *Error so the core can surface the exception kind; any other error
//     is reported as an internal fault.
//   - Execute must honor ctx cancellation between units of work and must
//     not retain env after returning.
//   - Engines are stateless across calls; all persistence lives in the
//     namespace reached through env.
type Engine interface {
	Name() string
	Execute(ctx context.Context, code string, env Env) (Result, error)
}

// Result is a successful evaluation: the value of the code unit's last
// expression (nil for none) and its printable representation.
type Result struct {
	Value any
	Repr  string
}

// Error is a fault raised by evaluated code, as opposed to a fault in the
// machinery running it.
type Error struct {
	Type      string
	Message   string
	Traceback string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}
