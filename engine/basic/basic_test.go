package basic

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/casepot/capsule-sub004/engine"
	"github.com/casepot/capsule-sub004/namespace"
	"github.com/casepot/capsule-sub004/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEnv backs the engine with a real store, routing writes through the
// open transaction the way the session executor does.
type fakeEnv struct {
	store   *namespace.Store
	txn     *namespace.Txn
	stdout  strings.Builder
	stderr  strings.Builder
	inputs  []string
	prompts []string
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{store: namespace.NewStore()}
}

func (e *fakeEnv) Print(stream protocol.Stream, text string) {
	if stream == protocol.StreamStderr {
		e.stderr.WriteString(text)
		return
	}
	e.stdout.WriteString(text)
}

func (e *fakeEnv) ReadInput(ctx context.Context, prompt string) (string, error) {
	e.prompts = append(e.prompts, prompt)
	if len(e.inputs) == 0 {
		return "", io.ErrUnexpectedEOF
	}
	v := e.inputs[0]
	e.inputs = e.inputs[1:]
	return v, nil
}

func (e *fakeEnv) Lookup(name string) (namespace.Entry, bool) {
	if e.txn != nil {
		return e.txn.Lookup(name)
	}
	return e.store.Lookup(name)
}

func (e *fakeEnv) Define(name string, value any, kind namespace.Kind, sourceText string) error {
	if e.txn != nil {
		return e.txn.Write(name, value, kind, sourceText)
	}
	return e.store.Define(name, value, kind, sourceText)
}

func (e *fakeEnv) Begin() error {
	t, err := e.store.Begin()
	if err != nil {
		return err
	}
	e.txn = t
	return nil
}

func (e *fakeEnv) Commit() error {
	if e.txn == nil {
		return namespace.ErrTransactionDone
	}
	err := e.txn.Commit()
	if err == nil {
		e.txn = nil
	}
	return err
}

func (e *fakeEnv) Rollback() error {
	if e.txn == nil {
		return namespace.ErrTransactionDone
	}
	err := e.txn.Rollback()
	if err == nil {
		e.txn = nil
	}
	return err
}

func run(t *testing.T, env *fakeEnv, code string) engine.Result {
	t.Helper()
	res, err := New().Execute(context.Background(), code, env)
	require.NoError(t, err)
	return res
}

func TestArithmetic(t *testing.T) {
	cases := []struct {
		code string
		repr string
	}{
		{"1 + 2", "3"},
		{"2 * 3 + 4", "10"},
		{"2 * (3 + 4)", "14"},
		{"7 / 2", "3"},
		{"7.0 / 2", "3.5"},
		{"7 % 3", "1"},
		{"-5 + 1", "-4"},
		{`"foo" + "bar"`, `"foobar"`},
		{"1 < 2", "true"},
		{"2 <= 1", "false"},
		{"1 == 1.0", "true"},
		{`"a" != "b"`, "true"},
		{"!false", "true"},
		{"null == null", "true"},
		{`len("hello")`, "5"},
		{"str(42)", `"42"`},
	}
	for _, c := range cases {
		t.Run(c.code, func(t *testing.T) {
			res := run(t, newFakeEnv(), c.code)
			assert.Equal(t, c.repr, res.Repr)
		})
	}
}

func TestAssignmentEvaluatesToValue(t *testing.T) {
	env := newFakeEnv()
	res := run(t, env, "x = 10")
	assert.Equal(t, int64(10), res.Value)
	assert.Equal(t, "10", res.Repr)

	e, ok := env.store.Lookup("x")
	require.True(t, ok)
	assert.Equal(t, int64(10), e.Value)
	assert.Equal(t, namespace.KindVariable, e.Kind)
	assert.Equal(t, "x = 10", e.SourceText)
}

func TestStatePersistsAcrossExecutions(t *testing.T) {
	env := newFakeEnv()
	run(t, env, "x = 10")
	res := run(t, env, "x + 5")
	assert.Equal(t, int64(15), res.Value)
	assert.Equal(t, "15", res.Repr)
}

func TestDefinitionKinds(t *testing.T) {
	env := newFakeEnv()
	run(t, env, "import math")
	run(t, env, "fn double(n) = n * 2")
	run(t, env, "class Point(x, y)")
	run(t, env, "v = 1")

	want := map[string]namespace.Kind{
		"math":   namespace.KindImport,
		"double": namespace.KindFunction,
		"Point":  namespace.KindClass,
		"v":      namespace.KindVariable,
	}
	for name, kind := range want {
		e, ok := env.store.Lookup(name)
		require.True(t, ok, name)
		assert.Equal(t, kind, e.Kind, name)
		assert.NotEmpty(t, e.SourceText, name)
	}

	res := run(t, env, "double(21)")
	assert.Equal(t, int64(42), res.Value)

	res = run(t, env, "Point(1, 2)")
	assert.Equal(t, "Point(x=1, y=2)", res.Repr)
}

func TestFunctionsSeeArgsBeforeGlobals(t *testing.T) {
	env := newFakeEnv()
	run(t, env, "n = 100")
	run(t, env, "fn inc(n) = n + 1")
	res := run(t, env, "inc(1)")
	assert.Equal(t, int64(2), res.Value)
}

func TestPrintWritesStdout(t *testing.T) {
	env := newFakeEnv()
	res := run(t, env, `print("hello", 42)`)
	assert.Equal(t, "hello 42\n", env.stdout.String())
	assert.Empty(t, env.stderr.String())
	assert.Equal(t, "null", res.Repr)
}

func TestInputRoundTrip(t *testing.T) {
	env := newFakeEnv()
	env.inputs = []string{"5"}
	res := run(t, env, `x = input("n: ")`)
	assert.Equal(t, "5", res.Value)
	assert.Equal(t, []string{"n: "}, env.prompts)

	e, ok := env.store.Lookup("x")
	require.True(t, ok)
	assert.Equal(t, "5", e.Value)
}

func TestCommentsAndSeparators(t *testing.T) {
	env := newFakeEnv()
	res := run(t, env, "# setup\nx = 1; y = 2\nx + y")
	assert.Equal(t, int64(3), res.Value)

	e, ok := env.store.Lookup("x")
	require.True(t, ok)
	assert.Equal(t, "x = 1", e.SourceText)
}

func TestFaults(t *testing.T) {
	cases := []struct {
		code string
		typ  string
	}{
		{"y", "NameError"},
		{"nope()", "NameError"},
		{"1 / 0", "DivisionByZeroError"},
		{"1 % 0", "DivisionByZeroError"},
		{`1 + "a"`, "TypeError"},
		{"len(5)", "TypeError"},
		{"!3", "TypeError"},
		{`-"x"`, "TypeError"},
		{"5(1)", "TypeError"},
		{"1 +", "SyntaxError"},
		{`"open`, "SyntaxError"},
		{"fn f(x = 1", "SyntaxError"},
	}
	for _, c := range cases {
		t.Run(c.code, func(t *testing.T) {
			_, err := New().Execute(context.Background(), c.code, newFakeEnv())
			require.Error(t, err)
			var fault *engine.Error
			require.True(t, errors.As(err, &fault), "want engine fault, got %v", err)
			assert.Equal(t, c.typ, fault.Type)
			assert.Contains(t, fault.Traceback, "line 1")
		})
	}
}

func TestFaultReportsLine(t *testing.T) {
	_, err := New().Execute(context.Background(), "x = 1\nx + missing", newFakeEnv())
	var fault *engine.Error
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, "NameError", fault.Type)
	assert.Contains(t, fault.Traceback, "line 2")
}

func TestArityFault(t *testing.T) {
	env := newFakeEnv()
	run(t, env, "fn add(a, b) = a + b")
	_, err := New().Execute(context.Background(), "add(1)", env)
	var fault *engine.Error
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, "TypeError", fault.Type)
	assert.Contains(t, fault.Message, "2 argument(s)")
}

func TestRecursionGuard(t *testing.T) {
	env := newFakeEnv()
	run(t, env, "fn f(n) = f(n)")
	_, err := New().Execute(context.Background(), "f(1)", env)
	var fault *engine.Error
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, "RecursionError", fault.Type)
}

func TestTransactionCommit(t *testing.T) {
	env := newFakeEnv()
	run(t, env, "a = 1")
	res := run(t, env, "begin()\na = 2\na + 1")
	assert.Equal(t, int64(3), res.Value, "transaction reads its own writes")

	e, ok := env.store.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, int64(1), e.Value, "uncommitted write must stay invisible")

	run(t, env, "commit()")
	e, ok = env.store.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, int64(2), e.Value)
}

func TestTransactionRollback(t *testing.T) {
	env := newFakeEnv()
	run(t, env, "begin()\na = 1\nrollback()")
	_, ok := env.store.Lookup("a")
	assert.False(t, ok)
}

func TestTransactionFaults(t *testing.T) {
	env := newFakeEnv()
	_, err := New().Execute(context.Background(), "begin()\nbegin()", env)
	var fault *engine.Error
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, "TransactionAlreadyOpenError", fault.Type)
	require.NoError(t, env.Rollback())

	_, err = New().Execute(context.Background(), "commit()", env)
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, "TransactionError", fault.Type)
}

func TestExecuteHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Execute(ctx, "1 + 1", newFakeEnv())
	require.ErrorIs(t, err, context.Canceled)
	var fault *engine.Error
	assert.False(t, errors.As(err, &fault), "cancellation is not a user fault")
}
