package basic

import (
	"fmt"
	"strconv"
	"strings"
)

// Runtime values are Go natives (nil, bool, int64, float64, string) plus
// the callable and structural types below. Values are immutable once
// constructed, which is what lets the namespace snapshot them by copy.

type function struct {
	name   string
	params []string
	body   expr
	src    string
}

type class struct {
	name   string
	fields []string
	src    string
}

type object struct {
	class  *class
	fields map[string]any
}

type module struct {
	name string
}

// reprOf renders a value the way the REPL surface reports it.
func reprOf(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case string:
		return strconv.Quote(t)
	case function:
		return fmt.Sprintf("<fn %s(%s)>", t.name, strings.Join(t.params, ", "))
	case class:
		return fmt.Sprintf("<class %s>", t.name)
	case module:
		return fmt.Sprintf("<module %s>", t.name)
	case object:
		parts := make([]string, 0, len(t.fields))
		for _, f := range t.class.fields {
			parts = append(parts, fmt.Sprintf("%s=%s", f, reprOf(t.fields[f])))
		}
		return fmt.Sprintf("%s(%s)", t.class.name, strings.Join(parts, ", "))
	default:
		return fmt.Sprintf("%v", t)
	}
}

// display renders a value for print(): strings are unquoted, everything
// else matches reprOf.
func display(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return reprOf(v)
}

// jsonValue lowers a runtime value to something json.Marshal accepts.
// Callables and modules lower to their repr.
func jsonValue(v any) any {
	switch t := v.(type) {
	case nil, bool, int64, float64, string:
		return t
	case object:
		m := make(map[string]any, len(t.fields)+1)
		m["class"] = t.class.name
		for f, fv := range t.fields {
			m[f] = jsonValue(fv)
		}
		return m
	default:
		return reprOf(v)
	}
}

// typeName names a value's type in fault messages.
func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case int64:
		return "int"
	case float64:
		return "float"
	case string:
		return "str"
	case function:
		return "function"
	case class:
		return "class"
	case module:
		return "module"
	case object:
		return "object"
	default:
		return "unknown"
	}
}
