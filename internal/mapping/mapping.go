// Package mapping transforms collected session data into the shape a handoff
// sink expects.
//
// It covers three concerns:
//   - [Apply] renames, transforms and defaults fields per a list of
//     [tool.FieldMapping] entries.
//   - [Resolve] expands {{placeholder}} references inside an arbitrary
//     JSON-shaped payload template.
//   - [GenerateFieldMappings] proposes mappings between two lists of field
//     names for authoring tools.
package mapping

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/vocaform/pkg/tool"
)

// ErrMissingRequired is returned when a mapping marked required has no
// value and no default.
var ErrMissingRequired = errors.New("mapping: required field missing")

// Apply maps data through mappings. An empty mappings list returns a copy of
// data unchanged. Sources absent from data fall back to the mapping's
// DefaultValue; absent sources without a default are skipped unless the
// mapping is required, in which case Apply fails with [ErrMissingRequired].
func Apply(data map[string]any, mappings []tool.FieldMapping) (map[string]any, error) {
	if len(mappings) == 0 {
		out := make(map[string]any, len(data))
		for k, v := range data {
			out[k] = v
		}
		return out, nil
	}

	out := make(map[string]any, len(mappings))
	var errs []error
	for _, m := range mappings {
		v, ok := data[m.SourceFieldName]
		if !ok || isEmpty(v) {
			if m.DefaultValue != nil {
				out[m.TargetFieldName] = m.DefaultValue
				continue
			}
			if m.Required {
				errs = append(errs, fmt.Errorf("%w: %s", ErrMissingRequired, m.SourceFieldName))
				continue
			}
			if !ok {
				continue
			}
		}
		out[m.TargetFieldName] = Transform(v, m)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// Transform applies the mapping's transformation to v. Non-string values are
// only affected by the format transformation, which renders them as text.
// The custom transformation is not executed; v passes through unchanged.
func Transform(v any, m tool.FieldMapping) any {
	switch m.Transformation {
	case tool.TransformUppercase:
		if s, ok := v.(string); ok {
			return strings.ToUpper(s)
		}
	case tool.TransformLowercase:
		if s, ok := v.(string); ok {
			return strings.ToLower(s)
		}
	case tool.TransformFormat:
		if m.Format == "" {
			return v
		}
		return strings.ReplaceAll(m.Format, "{value}", stringify(v))
	case tool.TransformCustom:
		slog.Warn("mapping: custom transformation is not supported, passing value through",
			"source", m.SourceFieldName, "target", m.TargetFieldName)
	}
	return v
}

// Columns projects data onto database columns. fieldMapping maps source field
// names to column names; fields it does not mention are dropped. An empty
// fieldMapping keeps every field under its own name.
func Columns(data map[string]any, fieldMapping map[string]string) map[string]any {
	out := make(map[string]any, len(data))
	if len(fieldMapping) == 0 {
		for k, v := range data {
			out[k] = v
		}
		return out
	}
	for src, col := range fieldMapping {
		if v, ok := data[src]; ok && col != "" {
			out[col] = v
		}
	}
	return out
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}
