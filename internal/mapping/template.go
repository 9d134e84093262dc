package mapping

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	placeholder   = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)
	numericString = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
)

// Vars holds the built-in placeholder values available to every template.
type Vars struct {
	SessionID string
	Now       time.Time
}

func (v Vars) lookup(name string) (string, bool) {
	switch name {
	case "timestamp":
		return v.Now.UTC().Format(time.RFC3339), true
	case "date":
		return v.Now.UTC().Format(time.DateOnly), true
	case "sessionId":
		return v.SessionID, true
	}
	return "", false
}

// Resolve walks tmpl and replaces {{name}} placeholders in every string leaf.
// Names are looked up in data first, then in vars; unknown names become "".
// Every leaf left without a "{{" after substitution is coerced, literals
// included: numeric strings become float64 and "true"/"false" become bool.
// Maps and slices are copied; tmpl is not modified.
//
// A nil tmpl resolves to a copy of data.
func Resolve(tmpl any, data map[string]any, vars Vars) any {
	if tmpl == nil {
		out := make(map[string]any, len(data))
		for k, v := range data {
			out[k] = v
		}
		return out
	}
	return resolve(tmpl, data, vars)
}

func resolve(node any, data map[string]any, vars Vars) any {
	switch t := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			out[k] = resolve(v, data, vars)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			out[i] = resolve(v, data, vars)
		}
		return out
	case string:
		return resolveString(t, data, vars)
	default:
		return node
	}
}

func resolveString(s string, data map[string]any, vars Vars) any {
	out := placeholder.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholder.FindStringSubmatch(match)[1]
		return lookup(name, data, vars)
	})
	if strings.Contains(out, "{{") {
		return out
	}
	return coerce(out)
}

func lookup(name string, data map[string]any, vars Vars) string {
	if v, ok := data[name]; ok {
		return stringify(v)
	}
	if v, ok := vars.lookup(name); ok {
		return v
	}
	return ""
}

func coerce(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if numericString.MatchString(s) {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return s
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	default:
		return fmt.Sprint(t)
	}
}
