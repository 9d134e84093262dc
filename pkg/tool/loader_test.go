package tool_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/vocaform/pkg/tool"
)

const intakeYAML = `
id: intake
name: Patient intake
initial_prompt: Hi, I will collect a few details.
conclusion_prompt: Thanks, that is everything.
fields:
  - id: f-name
    name: name
    type: text
    required: true
    prompt: What is your full name?
  - id: f-age
    name: age
    type: number
  - id: f-plan
    name: plan
    type: select
    options: [Basic, Premium]
    validation:
      regex_pattern: "^[A-Z]"
handoff:
  type: api
  api:
    endpoint: https://crm.example.com/leads
    method: POST
    timeout: 10s
    payload_template:
      patient: "{{name}}"
      meta:
        ts: "{{timestamp}}"
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	def, err := tool.LoadFromReader(strings.NewReader(intakeYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if len(def.Fields) != 3 {
		t.Fatalf("fields = %d, want 3", len(def.Fields))
	}
	if def.Fields[2].Type != tool.FieldSelect {
		t.Errorf("fields[2].type = %q, want select", def.Fields[2].Type)
	}
	if def.Handoff == nil || def.Handoff.API == nil {
		t.Fatal("handoff.api not decoded")
	}
	if got := def.Handoff.API.Timeout.String(); got != "10s" {
		t.Errorf("timeout = %s, want 10s", got)
	}
	tmpl, ok := def.Handoff.API.PayloadTemplate.(map[string]any)
	if !ok {
		t.Fatalf("payload template type = %T, want map[string]any", def.Handoff.API.PayloadTemplate)
	}
	if tmpl["patient"] != "{{name}}" {
		t.Errorf("patient = %v", tmpl["patient"])
	}
}

func TestLoad_JSONByExtension(t *testing.T) {
	t.Parallel()
	doc := `{
  "id": "survey",
  "initialPrompt": "Hello",
  "conclusionPrompt": "Bye",
  "fields": [{"id": "e", "name": "email", "type": "email", "required": true}],
  "handoffConfig": {
    "type": "database",
    "database": {"dialect": "postgres", "host": "db", "port": 5432, "database": "crm", "table": "leads",
                 "fieldMapping": {"email": "email_address"}}
  }
}`
	path := filepath.Join(t.TempDir(), "survey.json")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	def, err := tool.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if def.Handoff.Database.FieldMapping["email"] != "email_address" {
		t.Errorf("field mapping = %v", def.Handoff.Database.FieldMapping)
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantMsg string
	}{
		{
			name: "no fields",
			yaml: `
id: x
initial_prompt: a
conclusion_prompt: b
fields: []
`,
			wantMsg: "Fields",
		},
		{
			name: "duplicate field id",
			yaml: `
id: x
initial_prompt: a
conclusion_prompt: b
fields:
  - {id: a, name: one, type: text}
  - {id: a, name: two, type: text}
`,
			wantMsg: "duplicate",
		},
		{
			name: "select without options",
			yaml: `
id: x
initial_prompt: a
conclusion_prompt: b
fields:
  - {id: a, name: plan, type: select}
`,
			wantMsg: "requires options",
		},
		{
			name: "unknown field type",
			yaml: `
id: x
initial_prompt: a
conclusion_prompt: b
fields:
  - {id: a, name: plan, type: colour}
`,
			wantMsg: "is invalid",
		},
		{
			name: "bad regex",
			yaml: `
id: x
initial_prompt: a
conclusion_prompt: b
fields:
  - id: a
    name: code
    type: text
    validation: {regex_pattern: "([a-z"}
`,
			wantMsg: "regex_pattern",
		},
		{
			name: "api handoff without api section",
			yaml: `
id: x
initial_prompt: a
conclusion_prompt: b
fields:
  - {id: a, name: code, type: text}
handoff:
  type: api
`,
			wantMsg: "requires an api section",
		},
		{
			name: "format mapping without format",
			yaml: `
id: x
initial_prompt: a
conclusion_prompt: b
fields:
  - {id: a, name: code, type: text}
handoff:
  type: database
  database: {dialect: mysql, database: crm, table: t}
  field_mappings:
    - {source: code, target: CODE, transformation: format}
`,
			wantMsg: "requires format",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := tool.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, tool.ErrInvalidTool) {
				t.Errorf("error %v does not wrap ErrInvalidTool", err)
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Errorf("error %q should mention %q", err, tc.wantMsg)
			}
		})
	}
}

func TestValidateHandoff(t *testing.T) {
	t.Parallel()
	err := tool.ValidateHandoff(&tool.HandoffConfig{
		Type: tool.HandoffAPI,
		API: &tool.APIConfig{
			Endpoint: "https://example.com",
			Auth:     &tool.AuthConfig{Type: tool.AuthBearer},
		},
	})
	if !errors.Is(err, tool.ErrInvalidHandoff) {
		t.Fatalf("err = %v, want ErrInvalidHandoff", err)
	}
	if !strings.Contains(err.Error(), "token") {
		t.Errorf("error %q should mention the missing token", err)
	}
	if err := tool.ValidateHandoff(&tool.HandoffConfig{Type: "ftp"}); err == nil {
		t.Error("expected error for unknown handoff type")
	}
}

func TestDefinition_CloneIsDeep(t *testing.T) {
	t.Parallel()
	def, err := tool.LoadFromReader(strings.NewReader(intakeYAML))
	if err != nil {
		t.Fatal(err)
	}
	cp := def.Clone()
	cp.Fields[2].Options[0] = "Changed"
	cp.Handoff.API.PayloadTemplate.(map[string]any)["patient"] = "other"

	if def.Fields[2].Options[0] != "Basic" {
		t.Error("options shared between clone and original")
	}
	if def.Handoff.API.PayloadTemplate.(map[string]any)["patient"] != "{{name}}" {
		t.Error("payload template shared between clone and original")
	}
}
