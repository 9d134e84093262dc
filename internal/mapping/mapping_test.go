package mapping_test

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/MrWong99/vocaform/internal/mapping"
	"github.com/MrWong99/vocaform/pkg/tool"
)

func TestApply_IdentityWhenNoMappings(t *testing.T) {
	t.Parallel()
	data := map[string]any{"name": "Jane", "age": 30.0}
	got, err := mapping.Apply(data, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !reflect.DeepEqual(got, data) {
		t.Errorf("got %v, want %v", got, data)
	}
	got["name"] = "changed"
	if data["name"] != "Jane" {
		t.Error("Apply returned the input map instead of a copy")
	}
}

func TestApply(t *testing.T) {
	t.Parallel()
	data := map[string]any{"name": "Jane Doe", "email": "JANE@EXAMPLE.COM", "age": 30.0, "notes": ""}
	mappings := []tool.FieldMapping{
		{SourceFieldName: "name", TargetFieldName: "full_name", Transformation: tool.TransformUppercase},
		{SourceFieldName: "email", TargetFieldName: "contact", Transformation: tool.TransformLowercase},
		{SourceFieldName: "age", TargetFieldName: "age_label", Transformation: tool.TransformFormat, Format: "{value} years"},
		{SourceFieldName: "notes", TargetFieldName: "comment", DefaultValue: "n/a"},
		{SourceFieldName: "missing", TargetFieldName: "ignored"},
		{SourceFieldName: "name", TargetFieldName: "raw_name", Transformation: tool.TransformCustom},
	}
	got, err := mapping.Apply(data, mappings)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	want := map[string]any{
		"full_name": "JANE DOE",
		"contact":   "jane@example.com",
		"age_label": "30 years",
		"comment":   "n/a",
		"raw_name":  "Jane Doe",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestApply_RequiredMissing(t *testing.T) {
	t.Parallel()
	_, err := mapping.Apply(map[string]any{"name": ""}, []tool.FieldMapping{
		{SourceFieldName: "name", TargetFieldName: "n", Required: true},
		{SourceFieldName: "email", TargetFieldName: "e", Required: true},
	})
	if !errors.Is(err, mapping.ErrMissingRequired) {
		t.Fatalf("err = %v, want ErrMissingRequired", err)
	}
}

func TestTransform_NonStringUnchanged(t *testing.T) {
	t.Parallel()
	if got := mapping.Transform(5.0, tool.FieldMapping{Transformation: tool.TransformUppercase}); got != 5.0 {
		t.Errorf("got %v, want 5", got)
	}
}

func TestColumns(t *testing.T) {
	t.Parallel()
	data := map[string]any{"name": "Jane", "email": "j@x.io", "age": 4.0}

	got := mapping.Columns(data, map[string]string{"name": "customer_name", "email": "email_address"})
	want := map[string]any{"customer_name": "Jane", "email_address": "j@x.io"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("explicit mapping: got %v, want %v", got, want)
	}

	if got := mapping.Columns(data, nil); !reflect.DeepEqual(got, data) {
		t.Errorf("empty mapping: got %v, want %v", got, data)
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 4, 15, 4, 5, 0, time.FixedZone("CET", 3600))
	vars := mapping.Vars{SessionID: "sess-1", Now: now}
	data := map[string]any{"name": "Jane", "age": 30.0, "optin": "true", "zip": "01234x"}

	tmpl := map[string]any{
		"patient":  "{{name}}",
		"greeting": "Hello {{name}}, session {{sessionId}}",
		"meta": map[string]any{
			"submittedAt": "{{timestamp}}",
			"day":         "{{ date }}",
			"tags":        []any{"{{age}}", "static", 7},
		},
		"age":     "{{age}}",
		"optin":   "{{optin}}",
		"zip":     "{{zip}}",
		"unknown": "[{{nope}}]",
		"blank":   "{{nope}}",
	}
	got := mapping.Resolve(tmpl, data, vars).(map[string]any)

	want := map[string]any{
		"patient":  "Jane",
		"greeting": "Hello Jane, session sess-1",
		"meta": map[string]any{
			"submittedAt": "2025-03-04T14:04:05Z",
			"day":         "2025-03-04",
			"tags":        []any{30.0, "static", 7},
		},
		"age":     30.0,
		"optin":   true,
		"zip":     "01234x",
		"unknown": "[]",
		"blank":   "",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got  %#v\nwant %#v", got, want)
	}
	if tmpl["patient"] != "{{name}}" {
		t.Error("template was modified in place")
	}
}

func TestResolve_CoercesResolvedLeaves(t *testing.T) {
	t.Parallel()
	data := map[string]any{"a": 1.0, "b": "2", "x": "true", "name": "Jane"}
	tests := []struct {
		name string
		leaf string
		want any
	}{
		{name: "adjacent placeholders", leaf: "{{a}}{{b}}", want: 12.0},
		{name: "numeric literal", leaf: "42", want: 42.0},
		{name: "negative decimal literal", leaf: "-3.5", want: -3.5},
		{name: "bool placeholder", leaf: "{{x}}", want: true},
		{name: "bool literal", leaf: "false", want: false},
		{name: "placeholder in text", leaf: "{{a}} item", want: "1 item"},
		{name: "text literal", leaf: "Jane", want: "Jane"},
		{name: "unresolvable braces", leaf: "{{not valid}}", want: "{{not valid}}"},
		{name: "digits then text", leaf: "{{a}}{{name}}", want: "1Jane"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := mapping.Resolve(map[string]any{"v": tc.leaf}, data, mapping.Vars{}).(map[string]any)["v"]
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("Resolve(%q) = %#v, want %#v", tc.leaf, got, tc.want)
			}
		})
	}
}

func TestResolve_NilTemplateUsesData(t *testing.T) {
	t.Parallel()
	data := map[string]any{"name": "Jane"}
	got := mapping.Resolve(nil, data, mapping.Vars{})
	if !reflect.DeepEqual(got, map[string]any{"name": "Jane"}) {
		t.Errorf("got %v", got)
	}
}

func TestGenerateFieldMappings(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		source []string
		target []string
		want   map[string]string
	}{
		{
			name:   "containment and synonym",
			source: []string{"firstName", "dob"},
			target: []string{"first_name", "date_of_birth"},
			want:   map[string]string{"firstName": "first_name", "dob": "date_of_birth"},
		},
		{
			name:   "exact case-insensitive",
			source: []string{"Email"},
			target: []string{"email"},
			want:   map[string]string{"Email": "email"},
		},
		{
			name:   "synonyms",
			source: []string{"surname", "mobile", "org"},
			target: []string{"company_name", "last_name", "phone_number"},
			want:   map[string]string{"surname": "last_name", "mobile": "phone_number", "org": "company_name"},
		},
		{
			name:   "fuzzy",
			source: []string{"adress_line"},
			target: []string{"address_line"},
			want:   map[string]string{"adress_line": "address_line"},
		},
		{
			name:   "identity when nothing matches",
			source: []string{"favourite_colour"},
			target: []string{"ssn"},
			want:   map[string]string{"favourite_colour": "favourite_colour"},
		},
		{
			name:   "targets claimed once",
			source: []string{"email", "mail"},
			target: []string{"email", "email_address"},
			want:   map[string]string{"email": "email", "mail": "email_address"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := mapping.GenerateFieldMappings(tc.source, tc.target)
			if len(got) != len(tc.source) {
				t.Fatalf("got %d mappings, want %d", len(got), len(tc.source))
			}
			for _, m := range got {
				if want := tc.want[m.SourceFieldName]; m.TargetFieldName != want {
					t.Errorf("%s -> %s, want %s", m.SourceFieldName, m.TargetFieldName, want)
				}
				if m.Transformation != tool.TransformNone {
					t.Errorf("%s: transformation = %q, want none", m.SourceFieldName, m.Transformation)
				}
			}
		})
	}
}
