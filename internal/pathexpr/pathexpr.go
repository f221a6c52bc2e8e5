// Package pathexpr evaluates the dotted/colon path expressions used to
// address fields on a message envelope (e.g. "previous", "user_properties:key",
// "input.payload:foo.bar").
package pathexpr

import "strings"

// Absent is returned by Eval when no value exists at the given path. It is a
// distinct sentinel so callers can tell "absent" apart from a present nil.
var Absent = &absentType{}

type absentType struct{}

// Source supplies the named top-level roots an expression can address
// ("previous", "payload", "user_properties", "user_data", "input").
type Source interface {
	Root(name string) (interface{}, bool)
}

// Eval evaluates expr against src. The grammar is a root name optionally
// followed by ":" and a dotted key path into a map, or "." to descend into a
// nested root-like value (used for "input.payload:foo.bar").
//
// Eval is total: a missing path yields Absent, never an error.
func Eval(expr string, src Source) interface{} {
	if expr == "" {
		return Absent
	}

	root, rest, hasColon := splitColon(expr)

	segs := strings.Split(root, ".")
	val, ok := src.Root(segs[0])
	if !ok {
		return Absent
	}

	for _, seg := range segs[1:] {
		val, ok = descend(val, seg)
		if !ok {
			return Absent
		}
	}

	if !hasColon {
		return val
	}

	for _, key := range strings.Split(rest, ".") {
		val, ok = descend(val, key)
		if !ok {
			return Absent
		}
	}
	return val
}

func splitColon(expr string) (root, rest string, hasColon bool) {
	i := strings.IndexByte(expr, ':')
	if i < 0 {
		return expr, "", false
	}
	return expr[:i], expr[i+1:], true
}

func descend(val interface{}, key string) (interface{}, bool) {
	switch m := val.(type) {
	case map[string]interface{}:
		v, ok := m[key]
		return v, ok
	case map[string]string:
		v, ok := m[key]
		return v, ok
	default:
		return nil, false
	}
}

// IsAbsent reports whether v is the Absent sentinel.
func IsAbsent(v interface{}) bool {
	_, ok := v.(*absentType)
	return ok
}

// Truthy applies the same "truthy" coercion used by completion expressions:
// Absent, nil, false, 0, "", and empty collections are falsy.
func Truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case *absentType:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case map[string]interface{}:
		return len(t) > 0
	case []interface{}:
		return len(t) > 0
	default:
		return true
	}
}
