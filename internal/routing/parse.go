// Package routing evaluates the restricted condition language used by stage
// routing rules: a dotted path, optionally compared against a literal.
//
//	score > 5
//	context.review.output.verdict == "approved"
//	meta.last_output.retry
//
// There are no function calls, no boolean connectives and no access to
// anything outside the environment map passed to Eval.
package routing

import (
	"fmt"
	"strconv"
	"strings"
)

// Op is a comparison operator. OpTruthy means the expression had no
// operator and the left side is coerced to a boolean.
type Op int

const (
	OpTruthy Op = iota
	OpEQ
	OpNE
	OpGT
	OpLT
	OpGE
	OpLE
)

var opSymbols = map[Op]string{
	OpEQ: "==", OpNE: "!=", OpGT: ">", OpLT: "<", OpGE: ">=", OpLE: "<=",
}

func (o Op) String() string {
	if s, ok := opSymbols[o]; ok {
		return s
	}
	return "truthy"
}

// Operand is either a path into the environment or a literal value.
type Operand struct {
	Path    []string
	Literal any
	IsLit   bool
}

// Expr is a parsed condition.
type Expr struct {
	Left  Operand
	Op    Op
	Right Operand
}

type tokenType int

const (
	tokenEOF tokenType = iota
	tokenPath
	tokenNumber
	tokenString
	tokenOp
)

type token struct {
	typ   tokenType
	value string
	num   float64
}

func tokenize(expr string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '=' || c == '!' || c == '<' || c == '>':
			if i+1 < len(expr) && expr[i+1] == '=' {
				tokens = append(tokens, token{typ: tokenOp, value: expr[i : i+2]})
				i += 2
				continue
			}
			if c == '=' || c == '!' {
				return nil, fmt.Errorf("unexpected %q at offset %d", c, i)
			}
			tokens = append(tokens, token{typ: tokenOp, value: string(c)})
			i++
		case c == '"' || c == '\'':
			s, n, err := readString(expr[i:])
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{typ: tokenString, value: s})
			i += n
		case c == '-' || c == '+' || isDigit(c):
			j := i + 1
			for j < len(expr) && (isDigit(expr[j]) || expr[j] == '.' || expr[j] == 'e' || expr[j] == 'E' ||
				((expr[j] == '-' || expr[j] == '+') && (expr[j-1] == 'e' || expr[j-1] == 'E'))) {
				j++
			}
			f, err := strconv.ParseFloat(expr[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q", expr[i:j])
			}
			tokens = append(tokens, token{typ: tokenNumber, value: expr[i:j], num: f})
			i = j
		case isIdentStart(c):
			j := i
			for j < len(expr) && (isIdentPart(expr[j]) || expr[j] == '.') {
				j++
			}
			tokens = append(tokens, token{typ: tokenPath, value: expr[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("unexpected %q at offset %d", c, i)
		}
	}
	return append(tokens, token{typ: tokenEOF}), nil
}

// readString reads a quoted literal and returns it with the number of
// bytes consumed.
func readString(s string) (string, int, error) {
	quote := s[0]
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if i+1 >= len(s) {
				return "", 0, fmt.Errorf("unterminated string")
			}
			i++
			b.WriteByte(s[i])
		case quote:
			return b.String(), i + 1, nil
		default:
			b.WriteByte(s[i])
		}
	}
	return "", 0, fmt.Errorf("unterminated string")
}

func isDigit(c byte) bool      { return c >= '0' && c <= '9' }
func isIdentStart(c byte) bool { return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isIdentPart(c byte) bool  { return isIdentStart(c) || isDigit(c) }

// Parse compiles a condition. The grammar is `operand [op literal]` where
// operand is a dotted path or literal and literal is true, false, null, a
// number, or a single- or double-quoted string.
func Parse(expr string) (*Expr, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return nil, fmt.Errorf("tokenize %q: %w", expr, err)
	}
	if tokens[0].typ == tokenEOF {
		return nil, fmt.Errorf("empty condition")
	}

	left, err := operand(tokens[0], true)
	if err != nil {
		return nil, err
	}
	e := &Expr{Left: left}
	if tokens[1].typ == tokenEOF {
		return e, nil
	}
	if tokens[1].typ != tokenOp {
		return nil, fmt.Errorf("expected operator after %q, got %q", tokens[0].value, tokens[1].value)
	}
	e.Op = parseOp(tokens[1].value)

	if tokens[2].typ == tokenEOF {
		return nil, fmt.Errorf("missing right operand in %q", expr)
	}
	right, err := operand(tokens[2], false)
	if err != nil {
		return nil, err
	}
	if tokens[3].typ != tokenEOF {
		return nil, fmt.Errorf("unexpected %q after comparison", tokens[3].value)
	}
	e.Right = right
	return e, nil
}

func parseOp(s string) Op {
	for op, sym := range opSymbols {
		if sym == s {
			return op
		}
	}
	return OpTruthy
}

func operand(t token, allowPath bool) (Operand, error) {
	switch t.typ {
	case tokenNumber:
		return Operand{Literal: t.num, IsLit: true}, nil
	case tokenString:
		return Operand{Literal: t.value, IsLit: true}, nil
	case tokenPath:
		switch t.value {
		case "true":
			return Operand{Literal: true, IsLit: true}, nil
		case "false":
			return Operand{Literal: false, IsLit: true}, nil
		case "null":
			return Operand{Literal: nil, IsLit: true}, nil
		}
		if !allowPath {
			return Operand{}, fmt.Errorf("expected literal, got bare word %q", t.value)
		}
		parts := strings.Split(t.value, ".")
		for _, p := range parts {
			if p == "" {
				return Operand{}, fmt.Errorf("empty segment in path %q", t.value)
			}
		}
		return Operand{Path: parts}, nil
	case tokenOp:
		return Operand{}, fmt.Errorf("unexpected operator %q", t.value)
	}
	return Operand{}, fmt.Errorf("unexpected end of condition")
}
