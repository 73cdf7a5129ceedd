package templating

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

type segment struct {
	key   string
	index int
	isIdx bool
}

// parsePath splits "a.b[2].c" into segments. Numeric dotted segments
// ("items.0") also index into lists.
func parsePath(path string) ([]segment, error) {
	var segs []segment
	i := 0
	for i < len(path) {
		switch path[i] {
		case '.':
			if i == 0 || i == len(path)-1 || path[i+1] == '.' {
				return nil, fmt.Errorf("empty segment in path %q", path)
			}
			i++
		case '[':
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("unclosed bracket in path %q", path)
			}
			n, err := strconv.Atoi(strings.TrimSpace(path[i+1 : i+end]))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid index %q in path %q", path[i+1:i+end], path)
			}
			segs = append(segs, segment{index: n, isIdx: true})
			i += end + 1
		case ']':
			return nil, fmt.Errorf("unexpected ] in path %q", path)
		default:
			j := i
			for j < len(path) && path[j] != '.' && path[j] != '[' && path[j] != ']' {
				j++
			}
			segs = append(segs, segment{key: path[i:j]})
			i = j
		}
	}
	return segs, nil
}

// Lookup resolves path against root. A missing intermediate yields
// (nil, false) rather than an error; only malformed paths are errors.
func Lookup(root any, path string) (any, bool, error) {
	segs, err := parsePath(path)
	if err != nil {
		return nil, false, err
	}
	cur := root
	for _, s := range segs {
		var ok bool
		cur, ok = step(cur, s)
		if !ok {
			return nil, false, nil
		}
	}
	return cur, true, nil
}

func step(cur any, s segment) (any, bool) {
	if cur == nil {
		return nil, false
	}
	switch v := cur.(type) {
	case map[string]any:
		if s.isIdx {
			val, ok := v[strconv.Itoa(s.index)]
			return val, ok
		}
		val, ok := v[s.key]
		return val, ok
	case []any:
		idx, ok := s.asIndex()
		if !ok || idx >= len(v) {
			return nil, false
		}
		return v[idx], true
	}

	rv := reflect.ValueOf(cur)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		key := s.key
		if s.isIdx {
			key = strconv.Itoa(s.index)
		}
		val := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !val.IsValid() {
			return nil, false
		}
		return val.Interface(), true
	case reflect.Slice, reflect.Array:
		idx, ok := s.asIndex()
		if !ok || idx >= rv.Len() {
			return nil, false
		}
		return rv.Index(idx).Interface(), true
	}
	return nil, false
}

func (s segment) asIndex() (int, bool) {
	if s.isIdx {
		return s.index, true
	}
	n, err := strconv.Atoi(s.key)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
