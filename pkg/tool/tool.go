// Package tool defines the declarative tool schema that drives a voice
// collection session: an ordered list of fields with prompts and validation
// rules, the opening and closing prompts, and an optional handoff target.
//
// A [Definition] is authored outside Vocaform (typically by a visual tool
// builder) and loaded from YAML or JSON via [Load] or [LoadFromReader]. Once a
// session starts, the definition it runs against is a private deep copy and
// is never mutated.
package tool

import "time"

// FieldType enumerates the value kinds a field can collect.
type FieldType string

const (
	FieldText   FieldType = "text"
	FieldNumber FieldType = "number"
	FieldEmail  FieldType = "email"
	FieldPhone  FieldType = "phone"
	FieldDate   FieldType = "date"
	FieldSelect FieldType = "select"
)

// IsValid reports whether t is a recognised field type.
func (t FieldType) IsValid() bool {
	switch t {
	case FieldText, FieldNumber, FieldEmail, FieldPhone, FieldDate, FieldSelect:
		return true
	}
	return false
}

// Definition is the static schema of a data-collection tool.
type Definition struct {
	// ID uniquely identifies the tool in the tool catalogue.
	ID string `yaml:"id" json:"id" validate:"required"`

	// Name is the human-readable tool name.
	Name string `yaml:"name" json:"name"`

	// Fields is the ordered list of data points to collect. Must be non-empty.
	Fields []FieldSpec `yaml:"fields" json:"fields" validate:"required,min=1,dive"`

	// InitialPrompt is spoken once when the session starts.
	InitialPrompt string `yaml:"initial_prompt" json:"initialPrompt" validate:"required"`

	// ConclusionPrompt is spoken once every field has been collected.
	ConclusionPrompt string `yaml:"conclusion_prompt" json:"conclusionPrompt" validate:"required"`

	// Handoff describes where the collected data is delivered. Nil means the
	// session completes without a handoff.
	Handoff *HandoffConfig `yaml:"handoff" json:"handoffConfig,omitempty"`
}

// FieldSpec describes a single datum to collect.
type FieldSpec struct {
	ID       string    `yaml:"id" json:"id" validate:"required"`
	Name     string    `yaml:"name" json:"name" validate:"required"`
	Type     FieldType `yaml:"type" json:"type" validate:"required"`
	Required bool      `yaml:"required" json:"required"`

	// Prompt is the question read to the user. When empty a prompt is
	// synthesised from the name, type and required-ness.
	Prompt string `yaml:"prompt" json:"prompt"`

	// Options lists the accepted values for select fields.
	Options []string `yaml:"options" json:"options,omitempty"`

	// MatchSoundAlike lets a select answer that only sounds like an option
	// ("premeum") be accepted as that option. When false such an answer is
	// rejected and the option is offered as a suggestion.
	MatchSoundAlike bool `yaml:"match_sound_alike" json:"matchSoundAlike,omitempty"`

	// Validation holds additional constraints applied on top of the
	// built-in type rules.
	Validation *ClientValidation `yaml:"validation" json:"clientValidation,omitempty"`

	// MaxAttempts overrides the session-wide re-prompt limit for this field.
	// Zero inherits the session setting.
	MaxAttempts int `yaml:"max_attempts" json:"maxAttempts,omitempty" validate:"gte=0"`
}

// ClientValidation holds optional length and pattern constraints.
type ClientValidation struct {
	MinLength    int    `yaml:"min_length" json:"minLength,omitempty" validate:"gte=0"`
	MaxLength    int    `yaml:"max_length" json:"maxLength,omitempty" validate:"gte=0"`
	RegexPattern string `yaml:"regex_pattern" json:"regexPattern,omitempty"`
}

// HandoffType selects the kind of sink collected data is delivered to.
type HandoffType string

const (
	HandoffAPI      HandoffType = "api"
	HandoffDatabase HandoffType = "database"
)

// HandoffConfig declares the delivery target for a tool.
type HandoffConfig struct {
	Type     HandoffType     `yaml:"type" json:"type" validate:"required,oneof=api database"`
	API      *APIConfig      `yaml:"api" json:"api,omitempty"`
	Database *DatabaseConfig `yaml:"database" json:"database,omitempty"`

	// FieldMappings transform collected data before it reaches the sink.
	// When empty every collected field passes through unchanged.
	FieldMappings []FieldMapping `yaml:"field_mappings" json:"fieldMappings,omitempty" validate:"dive"`
}

// APIConfig describes an HTTP handoff sink.
type APIConfig struct {
	Endpoint string            `yaml:"endpoint" json:"endpoint" validate:"required,url"`
	Method   string            `yaml:"method" json:"method" validate:"omitempty,oneof=GET POST PUT PATCH"`
	Headers  map[string]string `yaml:"headers" json:"headers,omitempty"`

	// PayloadTemplate is an arbitrary JSON-shaped structure whose string
	// leaves may contain {{field}} placeholders.
	PayloadTemplate any `yaml:"payload_template" json:"payloadTemplate,omitempty"`

	Auth *AuthConfig `yaml:"auth" json:"auth,omitempty"`

	// Timeout bounds a single request. Zero uses the 30s default.
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`
}

// AuthType selects how credentials are injected into API sink requests.
type AuthType string

const (
	AuthBearer AuthType = "bearer"
	AuthBasic  AuthType = "basic"
	AuthAPIKey AuthType = "api_key"
)

// AuthConfig holds API sink credentials.
type AuthConfig struct {
	Type     AuthType `yaml:"type" json:"type" validate:"required,oneof=bearer basic api_key"`
	Token    string   `yaml:"token" json:"token,omitempty"`
	Username string   `yaml:"username" json:"username,omitempty"`
	Password string   `yaml:"password" json:"password,omitempty"`

	// HeaderName is the header carrying an api_key credential.
	// Default: X-API-Key.
	HeaderName string `yaml:"header_name" json:"headerName,omitempty"`
	APIKey     string `yaml:"api_key" json:"apiKey,omitempty"`
}

// DatabaseConfig describes a relational database handoff sink.
type DatabaseConfig struct {
	// Dialect selects the registered inserter, e.g. "postgres", "mysql", "sqlite".
	Dialect     string      `yaml:"dialect" json:"dialect" validate:"required"`
	Host        string      `yaml:"host" json:"host"`
	Port        int         `yaml:"port" json:"port" validate:"gte=0,lte=65535"`
	Database    string      `yaml:"database" json:"database" validate:"required"`
	Credentials Credentials `yaml:"credentials" json:"credentials"`
	Table       string      `yaml:"table" json:"table" validate:"required"`

	// FieldMapping maps collected field names to column names. Fields not
	// present are dropped. An empty mapping keeps every field under its own name.
	FieldMapping map[string]string `yaml:"field_mapping" json:"fieldMapping,omitempty"`

	// SSLMode is passed through to postgres-family connections.
	SSLMode string `yaml:"ssl_mode" json:"sslMode,omitempty"`
}

// Credentials holds database login details.
type Credentials struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Transformation names a value transformation applied by a [FieldMapping].
type Transformation string

const (
	TransformNone      Transformation = "none"
	TransformUppercase Transformation = "uppercase"
	TransformLowercase Transformation = "lowercase"
	TransformFormat    Transformation = "format"
	TransformCustom    Transformation = "custom"
)

// IsValid reports whether t is a recognised transformation. The empty
// string is treated as [TransformNone].
func (t Transformation) IsValid() bool {
	switch t {
	case "", TransformNone, TransformUppercase, TransformLowercase, TransformFormat, TransformCustom:
		return true
	}
	return false
}

// FieldMapping maps one collected field onto a destination field.
type FieldMapping struct {
	SourceFieldName string         `yaml:"source" json:"sourceFieldName" validate:"required"`
	TargetFieldName string         `yaml:"target" json:"targetFieldName" validate:"required"`
	Transformation  Transformation `yaml:"transformation" json:"transformation,omitempty"`

	// Format is the template used by the format transformation; {value} is
	// replaced with the field value.
	Format string `yaml:"format" json:"format,omitempty"`

	Required     bool `yaml:"required" json:"required,omitempty"`
	DefaultValue any  `yaml:"default_value" json:"defaultValue,omitempty"`
}

// FieldByID returns the field with the given ID and whether it exists.
func (d *Definition) FieldByID(id string) (FieldSpec, bool) {
	for _, f := range d.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// Clone returns a deep copy of d. Payload templates are copied recursively
// for maps and slices; scalar leaves are shared.
func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	out := *d
	out.Fields = make([]FieldSpec, len(d.Fields))
	for i, f := range d.Fields {
		out.Fields[i] = f.clone()
	}
	out.Handoff = d.Handoff.Clone()
	return &out
}

func (f FieldSpec) clone() FieldSpec {
	if f.Options != nil {
		f.Options = append([]string(nil), f.Options...)
	}
	if f.Validation != nil {
		v := *f.Validation
		f.Validation = &v
	}
	return f
}

// Clone returns a deep copy of c.
func (c *HandoffConfig) Clone() *HandoffConfig {
	if c == nil {
		return nil
	}
	out := *c
	if c.API != nil {
		api := *c.API
		api.Headers = cloneStrings(c.API.Headers)
		api.PayloadTemplate = CloneTemplate(c.API.PayloadTemplate)
		if c.API.Auth != nil {
			auth := *c.API.Auth
			api.Auth = &auth
		}
		out.API = &api
	}
	if c.Database != nil {
		db := *c.Database
		db.FieldMapping = cloneStrings(c.Database.FieldMapping)
		out.Database = &db
	}
	if c.FieldMappings != nil {
		out.FieldMappings = append([]FieldMapping(nil), c.FieldMappings...)
	}
	return &out
}

// CloneTemplate deep-copies a JSON-shaped template value.
func CloneTemplate(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = CloneTemplate(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = CloneTemplate(val)
		}
		return out
	default:
		return v
	}
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
