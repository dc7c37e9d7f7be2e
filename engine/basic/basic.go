// Package basic implements a small expression language engine. It is not a
// general-purpose interpreter; it exists to drive sessions end to end with
// real parsing, namespace access, output, and blocking input reads.
//
// The language has integer, float, string, bool, and null literals,
// arithmetic and comparison operators, assignments, one-line function and
// class definitions, imports, and a handful of builtins (print, input, len,
// str, begin, commit, rollback). Statements are separated by newlines or
// semicolons, and "#" starts a comment.
package basic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/casepot/capsule-sub004/engine"
	"github.com/casepot/capsule-sub004/namespace"
	"github.com/casepot/capsule-sub004/protocol"
)

// maxCallDepth bounds function call nesting so that runaway recursion
// becomes a fault instead of a stack overflow.
const maxCallDepth = 256

// Basic is a stateless engine; all state lives in the Env it is handed.
type Basic struct{}

func New() *Basic { return &Basic{} }

func (*Basic) Name() string { return "basic" }

// Execute parses code and evaluates its statements in order. The result is
// the value of the last statement; an assignment evaluates to the assigned
// value, and definitions evaluate to the defined value.
func (*Basic) Execute(ctx context.Context, code string, env engine.Env) (engine.Result, error) {
	stmts, err := parse(code)
	if err != nil {
		return engine.Result{}, err
	}
	ev := &evaluator{ctx: ctx, env: env}
	var last any
	for _, s := range stmts {
		if err := ctx.Err(); err != nil {
			return engine.Result{}, err
		}
		v, err := ev.exec(s)
		if err != nil {
			return engine.Result{}, err
		}
		last = v
	}
	return engine.Result{Value: jsonValue(last), Repr: reprOf(last)}, nil
}

type evaluator struct {
	ctx   context.Context
	env   engine.Env
	depth int
}

func faultAt(line int, typ, format string, args ...any) *engine.Error {
	msg := fmt.Sprintf(format, args...)
	return &engine.Error{
		Type:      typ,
		Message:   msg,
		Traceback: fmt.Sprintf("line %d: %s", line, msg),
	}
}

func (ev *evaluator) exec(s stmt) (any, error) {
	switch st := s.(type) {
	case exprStmt:
		return ev.eval(st.e, nil)
	case assignStmt:
		v, err := ev.eval(st.e, nil)
		if err != nil {
			return nil, err
		}
		if err := ev.env.Define(st.name, v, namespace.KindVariable, st.source()); err != nil {
			return nil, err
		}
		return v, nil
	case importStmt:
		m := module{name: st.name}
		if err := ev.env.Define(st.name, m, namespace.KindImport, st.source()); err != nil {
			return nil, err
		}
		return m, nil
	case fnStmt:
		f := function{name: st.name, params: st.params, body: st.body, src: st.source()}
		if err := ev.env.Define(st.name, f, namespace.KindFunction, st.source()); err != nil {
			return nil, err
		}
		return f, nil
	case classStmt:
		c := class{name: st.name, fields: st.fields, src: st.source()}
		if err := ev.env.Define(st.name, c, namespace.KindClass, st.source()); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("basic: unhandled statement %T", s)
	}
}

// resolve looks a name up in the local frame first, then the namespace.
func (ev *evaluator) resolve(name string, frame map[string]any) (any, bool) {
	if frame != nil {
		if v, ok := frame[name]; ok {
			return v, true
		}
	}
	if e, ok := ev.env.Lookup(name); ok {
		return e.Value, true
	}
	return nil, false
}

func (ev *evaluator) eval(e expr, frame map[string]any) (any, error) {
	switch x := e.(type) {
	case litExpr:
		return x.val, nil
	case nameExpr:
		if v, ok := ev.resolve(x.name, frame); ok {
			return v, nil
		}
		return nil, faultAt(x.line, "NameError", "name %q is not defined", x.name)
	case unaryExpr:
		return ev.evalUnary(x, frame)
	case binExpr:
		return ev.evalBin(x, frame)
	case callExpr:
		return ev.evalCall(x, frame)
	default:
		return nil, fmt.Errorf("basic: unhandled expression %T", e)
	}
}

func (ev *evaluator) evalUnary(x unaryExpr, frame map[string]any) (any, error) {
	v, err := ev.eval(x.x, frame)
	if err != nil {
		return nil, err
	}
	switch x.op {
	case "-":
		switch n := v.(type) {
		case int64:
			return -n, nil
		case float64:
			return -n, nil
		}
		return nil, faultAt(x.line, "TypeError", "cannot negate %s", typeName(v))
	case "!":
		b, ok := v.(bool)
		if !ok {
			return nil, faultAt(x.line, "TypeError", "cannot apply ! to %s", typeName(v))
		}
		return !b, nil
	}
	return nil, faultAt(x.line, "TypeError", "unknown operator %q", x.op)
}

func (ev *evaluator) evalBin(x binExpr, frame map[string]any) (any, error) {
	l, err := ev.eval(x.l, frame)
	if err != nil {
		return nil, err
	}
	r, err := ev.eval(x.r, frame)
	if err != nil {
		return nil, err
	}
	switch x.op {
	case "+":
		if ls, ok := l.(string); ok {
			if rs, ok := r.(string); ok {
				return ls + rs, nil
			}
		}
		return numericOp(x, l, r)
	case "-", "*", "/", "%":
		return numericOp(x, l, r)
	case "==":
		return valueEq(l, r), nil
	case "!=":
		return !valueEq(l, r), nil
	case "<", ">", "<=", ">=":
		return orderedOp(x, l, r)
	}
	return nil, faultAt(x.line, "TypeError", "unknown operator %q", x.op)
}

func numericOp(x binExpr, l, r any) (any, error) {
	li, lInt := l.(int64)
	ri, rInt := r.(int64)
	if lInt && rInt {
		switch x.op {
		case "+":
			return li + ri, nil
		case "-":
			return li - ri, nil
		case "*":
			return li * ri, nil
		case "/":
			if ri == 0 {
				return nil, faultAt(x.line, "DivisionByZeroError", "division by zero")
			}
			return li / ri, nil
		case "%":
			if ri == 0 {
				return nil, faultAt(x.line, "DivisionByZeroError", "division by zero")
			}
			return li % ri, nil
		}
	}
	lf, lok := asFloat(l)
	rf, rok := asFloat(r)
	if !lok || !rok {
		return nil, faultAt(x.line, "TypeError", "unsupported operands for %q: %s and %s", x.op, typeName(l), typeName(r))
	}
	switch x.op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, faultAt(x.line, "DivisionByZeroError", "division by zero")
		}
		return lf / rf, nil
	case "%":
		return nil, faultAt(x.line, "TypeError", "%% requires integers")
	}
	return nil, faultAt(x.line, "TypeError", "unknown operator %q", x.op)
}

func orderedOp(x binExpr, l, r any) (any, error) {
	if ls, ok := l.(string); ok {
		if rs, ok := r.(string); ok {
			switch x.op {
			case "<":
				return ls < rs, nil
			case ">":
				return ls > rs, nil
			case "<=":
				return ls <= rs, nil
			case ">=":
				return ls >= rs, nil
			}
		}
	}
	lf, lok := asFloat(l)
	rf, rok := asFloat(r)
	if !lok || !rok {
		return nil, faultAt(x.line, "TypeError", "cannot compare %s and %s", typeName(l), typeName(r))
	}
	switch x.op {
	case "<":
		return lf < rf, nil
	case ">":
		return lf > rf, nil
	case "<=":
		return lf <= rf, nil
	case ">=":
		return lf >= rf, nil
	}
	return nil, faultAt(x.line, "TypeError", "unknown operator %q", x.op)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// valueEq compares with numeric promotion; values of different non-numeric
// types are unequal rather than a fault.
func valueEq(l, r any) bool {
	if lf, ok := asFloat(l); ok {
		if rf, ok := asFloat(r); ok {
			return lf == rf
		}
		return false
	}
	switch lv := l.(type) {
	case nil:
		return r == nil
	case string:
		rv, ok := r.(string)
		return ok && lv == rv
	case bool:
		rv, ok := r.(bool)
		return ok && lv == rv
	default:
		return false
	}
}

func (ev *evaluator) evalCall(c callExpr, frame map[string]any) (any, error) {
	if n, ok := c.callee.(nameExpr); ok {
		if v, found := ev.resolve(n.name, frame); found {
			return ev.apply(v, c, frame)
		}
		if fn, found := builtins[n.name]; found {
			args, err := ev.evalArgs(c.args, frame)
			if err != nil {
				return nil, err
			}
			return fn(ev, c.line, args)
		}
		return nil, faultAt(n.line, "NameError", "name %q is not defined", n.name)
	}
	v, err := ev.eval(c.callee, frame)
	if err != nil {
		return nil, err
	}
	return ev.apply(v, c, frame)
}

func (ev *evaluator) evalArgs(exprs []expr, frame map[string]any) ([]any, error) {
	args := make([]any, len(exprs))
	for i, a := range exprs {
		v, err := ev.eval(a, frame)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

func (ev *evaluator) apply(v any, c callExpr, frame map[string]any) (any, error) {
	switch callee := v.(type) {
	case function:
		if len(c.args) != len(callee.params) {
			return nil, faultAt(c.line, "TypeError", "%s takes %d argument(s), got %d", callee.name, len(callee.params), len(c.args))
		}
		args, err := ev.evalArgs(c.args, frame)
		if err != nil {
			return nil, err
		}
		if ev.depth >= maxCallDepth {
			return nil, faultAt(c.line, "RecursionError", "call depth exceeded %d", maxCallDepth)
		}
		local := make(map[string]any, len(callee.params))
		for i, p := range callee.params {
			local[p] = args[i]
		}
		ev.depth++
		out, err := ev.eval(callee.body, local)
		ev.depth--
		return out, err
	case class:
		if len(c.args) != len(callee.fields) {
			return nil, faultAt(c.line, "TypeError", "%s takes %d argument(s), got %d", callee.name, len(callee.fields), len(c.args))
		}
		args, err := ev.evalArgs(c.args, frame)
		if err != nil {
			return nil, err
		}
		fields := make(map[string]any, len(callee.fields))
		for i, f := range callee.fields {
			fields[f] = args[i]
		}
		return object{class: &callee, fields: fields}, nil
	default:
		return nil, faultAt(c.line, "TypeError", "%s is not callable", typeName(v))
	}
}

type builtinFunc func(ev *evaluator, line int, args []any) (any, error)

var builtins = map[string]builtinFunc{
	"print":    builtinPrint,
	"input":    builtinInput,
	"len":      builtinLen,
	"str":      builtinStr,
	"begin":    builtinBegin,
	"commit":   builtinCommit,
	"rollback": builtinRollback,
}

func builtinPrint(ev *evaluator, line int, args []any) (any, error) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = display(a)
	}
	ev.env.Print(protocol.StreamStdout, strings.Join(parts, " ")+"\n")
	return nil, nil
}

func builtinInput(ev *evaluator, line int, args []any) (any, error) {
	if len(args) > 1 {
		return nil, faultAt(line, "TypeError", "input takes at most 1 argument, got %d", len(args))
	}
	prompt := ""
	if len(args) == 1 {
		prompt = display(args[0])
	}
	return ev.env.ReadInput(ev.ctx, prompt)
}

func builtinLen(ev *evaluator, line int, args []any) (any, error) {
	if len(args) != 1 {
		return nil, faultAt(line, "TypeError", "len takes 1 argument, got %d", len(args))
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, faultAt(line, "TypeError", "len requires a string, got %s", typeName(args[0]))
	}
	return int64(len(s)), nil
}

func builtinStr(ev *evaluator, line int, args []any) (any, error) {
	if len(args) != 1 {
		return nil, faultAt(line, "TypeError", "str takes 1 argument, got %d", len(args))
	}
	return display(args[0]), nil
}

func builtinBegin(ev *evaluator, line int, args []any) (any, error) {
	if len(args) != 0 {
		return nil, faultAt(line, "TypeError", "begin takes no arguments")
	}
	return nil, txnFault(line, ev.env.Begin())
}

func builtinCommit(ev *evaluator, line int, args []any) (any, error) {
	if len(args) != 0 {
		return nil, faultAt(line, "TypeError", "commit takes no arguments")
	}
	return nil, txnFault(line, ev.env.Commit())
}

func builtinRollback(ev *evaluator, line int, args []any) (any, error) {
	if len(args) != 0 {
		return nil, faultAt(line, "TypeError", "rollback takes no arguments")
	}
	return nil, txnFault(line, ev.env.Rollback())
}

// txnFault converts transaction misuse into user-visible faults; any other
// error passes through as an infrastructure failure.
func txnFault(line int, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, namespace.ErrTransactionOpen):
		return faultAt(line, "TransactionAlreadyOpenError", "a transaction is already open")
	case errors.Is(err, namespace.ErrTransactionDone):
		return faultAt(line, "TransactionError", "no open transaction")
	default:
		return err
	}
}
