package templating

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/valyala/fasttemplate"
)

// BindingSentinel marks a binding value as a context path.
const BindingSentinel = "$"

// RenderError reports a template or binding that could not be resolved.
type RenderError struct {
	Source string
	Err    error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("%s resolution failed: %v", e.Source, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// ResolveBindings maps each declared variable to a context value. Values
// starting with "$" are paths ("$", "$.a.b[2]", "$a.b"); anything else is
// a literal. Missing paths resolve to nil.
func ResolveBindings(bindings map[string]string, ctx map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(bindings))
	for name, expr := range bindings {
		if !strings.HasPrefix(expr, BindingSentinel) {
			out[name] = expr
			continue
		}
		path := strings.TrimPrefix(strings.TrimPrefix(expr, BindingSentinel), ".")
		if path == "" {
			out[name] = ctx
			continue
		}
		val, _, err := Lookup(ctx, path)
		if err != nil {
			return nil, &RenderError{Source: "binding " + name, Err: err}
		}
		out[name] = val
	}
	return out, nil
}

// Bind returns a shallow copy of ctx with bindings layered on top, the
// context a stage's prompt is rendered against.
func Bind(ctx map[string]any, bindings map[string]any) map[string]any {
	out := make(map[string]any, len(ctx)+len(bindings))
	for k, v := range ctx {
		out[k] = v
	}
	for k, v := range bindings {
		out[k] = v
	}
	return out
}

var tripleStache = regexp.MustCompile(`\{\{\{\s*([^{}]*?)\s*\}\}\}`)

// ResolvePrompt renders a logic-less template. Supported tags are
// {{path}}, {{{path}}} (identical, nothing is ever escaped), {{json path}}
// for pretty-printed JSON, and {{! comments}}. Missing values render
// empty. Block helpers and unknown helpers are errors.
func ResolvePrompt(template string, ctx map[string]any) (string, error) {
	if template == "" {
		return "", nil
	}
	template = tripleStache.ReplaceAllString(template, "{{$1}}")
	if err := checkTerminated(template); err != nil {
		return "", &RenderError{Source: "template", Err: err}
	}

	out, err := fasttemplate.ExecuteFuncStringWithErr(template, "{{", "}}", func(w io.Writer, tag string) (int, error) {
		s, err := renderTag(strings.TrimSpace(tag), ctx)
		if err != nil {
			return 0, err
		}
		return w.Write([]byte(s))
	})
	if err != nil {
		return "", &RenderError{Source: "template", Err: err}
	}
	return out, nil
}

// fasttemplate passes an unterminated tag through verbatim; treat it as a
// syntax error instead.
func checkTerminated(template string) error {
	rest := template
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			return nil
		}
		rest = rest[start+2:]
		end := strings.Index(rest, "}}")
		if end < 0 {
			return fmt.Errorf("unterminated tag at %q", truncate(rest, 32))
		}
		rest = rest[end+2:]
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func renderTag(tag string, ctx map[string]any) (string, error) {
	if tag == "" {
		return "", fmt.Errorf("empty tag")
	}
	switch tag[0] {
	case '!':
		return "", nil
	case '#', '/', '^', '>', '&', '~':
		return "", fmt.Errorf("unsupported tag %q", tag)
	}

	fields := strings.Fields(tag)
	switch {
	case len(fields) == 1:
		val, ok, err := Lookup(ctx, strings.TrimPrefix(fields[0], "this."))
		if err != nil || !ok {
			return "", err
		}
		return formatValue(val)
	case len(fields) == 2 && fields[0] == "json":
		val, ok, err := Lookup(ctx, fields[1])
		if err != nil || !ok {
			return "", err
		}
		return toPrettyJSON(val)
	default:
		return "", fmt.Errorf("unknown helper in tag %q", tag)
	}
}

func formatValue(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case float64:
		return formatFloat(t), nil
	case float32:
		return formatFloat(float64(t)), nil
	case int, int32, int64, uint, uint32, uint64, json.Number:
		return fmt.Sprint(t), nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

func formatFloat(f float64) string {
	if math.IsNaN(f) {
		return "NaN"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func toPrettyJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}
