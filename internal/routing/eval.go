package routing

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"

	"flowforge/internal/logging"
)

// Eval evaluates the expression against env. Missing paths resolve to nil.
func (e *Expr) Eval(env map[string]any) bool {
	left := e.Left.value(env)
	if e.Op == OpTruthy {
		return Truthy(left)
	}
	right := e.Right.value(env)

	switch e.Op {
	case OpEQ:
		return looseEqual(left, right)
	case OpNE:
		return !looseEqual(left, right)
	}

	l, lok := toNumber(left)
	r, rok := toNumber(right)
	if !lok || !rok {
		return false
	}
	switch e.Op {
	case OpGT:
		return l > r
	case OpLT:
		return l < r
	case OpGE:
		return l >= r
	case OpLE:
		return l <= r
	}
	return false
}

// SafeEval parses and evaluates expr. Any failure is logged and yields
// false, so a bad condition only ever falls through to the next rule.
func SafeEval(expr string, env map[string]any, logger *logging.Logger) (result bool) {
	defer func() {
		if r := recover(); r != nil {
			if logger != nil {
				logger.Warn("Condition evaluation panicked", "condition", expr, "panic", r)
			}
			result = false
		}
	}()

	parsed, err := Parse(expr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid routing condition", "condition", expr, "error", err)
		}
		return false
	}
	return parsed.Eval(env)
}

func (o Operand) value(env map[string]any) any {
	if o.IsLit {
		return o.Literal
	}
	var cur any = env
	for _, part := range o.Path {
		switch v := cur.(type) {
		case map[string]any:
			cur = v[part]
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil
			}
			cur = v[idx]
		default:
			return nil
		}
	}
	return cur
}

// Truthy reports whether v counts as true: nil, false, zero, NaN and the
// empty string are false, everything else is true.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	}
	if f, ok := numeric(v); ok {
		return f != 0 && !math.IsNaN(f)
	}
	return true
}

func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	if _, ok := b.(bool); ok {
		return false
	}
	if an, ok := toNumber(a); ok {
		if bn, ok := toNumber(b); ok {
			return an == bn
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as == bs
	}
	return reflect.DeepEqual(a, b)
}

// toNumber coerces numbers and numeric strings.
func toNumber(v any) (float64, bool) {
	if f, ok := numeric(v); ok {
		return f, !math.IsNaN(f)
	}
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return 0, false
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
