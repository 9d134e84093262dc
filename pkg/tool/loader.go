package tool

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalidTool is returned (wrapped) when a tool definition is malformed.
var ErrInvalidTool = errors.New("tool: invalid definition")

// ErrInvalidHandoff is returned (wrapped) when a handoff configuration is
// malformed.
var ErrInvalidHandoff = errors.New("tool: invalid handoff config")

// Format selects the encoding of a tool definition document.
type Format int

const (
	FormatYAML Format = iota
	FormatJSON
)

var validate = validator.New()

// Load reads the tool definition at path. Files ending in .json are decoded
// as JSON (camelCase keys); everything else is decoded as YAML.
func Load(path string) (*Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tool: open %q: %w", path, err)
	}
	defer f.Close()

	format := FormatYAML
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = FormatJSON
	}
	def, err := Decode(f, format)
	if err != nil {
		return nil, fmt.Errorf("tool: load %q: %w", path, err)
	}
	return def, nil
}

// LoadFromReader decodes a YAML tool definition from r and validates it.
func LoadFromReader(r io.Reader) (*Definition, error) {
	return Decode(r, FormatYAML)
}

// Decode decodes a tool definition in the given format and validates it.
func Decode(r io.Reader, format Format) (*Definition, error) {
	def := &Definition{}
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		if err := dec.Decode(def); err != nil {
			return nil, fmt.Errorf("%w: decode json: %v", ErrInvalidTool, err)
		}
	default:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(def); err != nil {
			return nil, fmt.Errorf("%w: decode yaml: %v", ErrInvalidTool, err)
		}
	}
	if err := Validate(def); err != nil {
		return nil, err
	}
	return def, nil
}

// Validate checks that def is a usable tool definition. It returns an error
// wrapping [ErrInvalidTool] and joining every problem found.
func Validate(def *Definition) error {
	if def == nil {
		return fmt.Errorf("%w: definition is nil", ErrInvalidTool)
	}
	var errs []error
	errs = append(errs, structErrors(def)...)

	ids := make(map[string]int, len(def.Fields))
	names := make(map[string]int, len(def.Fields))
	for i, f := range def.Fields {
		prefix := fmt.Sprintf("fields[%d]", i)
		if f.ID != "" {
			if prev, ok := ids[f.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of fields[%d]", prefix, f.ID, prev))
			}
			ids[f.ID] = i
		}
		if f.Name != "" {
			if prev, ok := names[f.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of fields[%d]", prefix, f.Name, prev))
			}
			names[f.Name] = i
		}
		if f.Type != "" && !f.Type.IsValid() {
			errs = append(errs, fmt.Errorf("%s.type %q is invalid; valid values: text, number, email, phone, date, select", prefix, f.Type))
		}
		if f.Type == FieldSelect && len(f.Options) == 0 {
			errs = append(errs, fmt.Errorf("%s: select field requires options", prefix))
		}
		if v := f.Validation; v != nil {
			if v.MaxLength > 0 && v.MinLength > v.MaxLength {
				errs = append(errs, fmt.Errorf("%s.validation: min_length %d exceeds max_length %d", prefix, v.MinLength, v.MaxLength))
			}
			if v.RegexPattern != "" {
				if _, err := regexp.Compile(v.RegexPattern); err != nil {
					errs = append(errs, fmt.Errorf("%s.validation.regex_pattern: %v", prefix, err))
				}
			}
		}
	}

	if def.Handoff != nil {
		if err := handoffErrors(def.Handoff); len(err) > 0 {
			for _, e := range err {
				errs = append(errs, fmt.Errorf("handoff: %w", e))
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidTool, errors.Join(errs...))
}

// ValidateHandoff checks a handoff configuration on its own. It returns an
// error wrapping [ErrInvalidHandoff].
func ValidateHandoff(c *HandoffConfig) error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalidHandoff)
	}
	errs := structErrors(c)
	errs = append(errs, handoffErrors(c)...)
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidHandoff, errors.Join(errs...))
}

// handoffErrors performs the cross-field checks struct tags cannot express.
func handoffErrors(c *HandoffConfig) []error {
	var errs []error
	switch c.Type {
	case HandoffAPI:
		if c.API == nil {
			errs = append(errs, errors.New("type api requires an api section"))
		} else if a := c.API.Auth; a != nil {
			switch a.Type {
			case AuthBearer:
				if a.Token == "" {
					errs = append(errs, errors.New("api.auth: bearer auth requires a token"))
				}
			case AuthBasic:
				if a.Username == "" {
					errs = append(errs, errors.New("api.auth: basic auth requires a username"))
				}
			case AuthAPIKey:
				if a.APIKey == "" {
					errs = append(errs, errors.New("api.auth: api_key auth requires api_key"))
				}
			}
		}
	case HandoffDatabase:
		if c.Database == nil {
			errs = append(errs, errors.New("type database requires a database section"))
		}
	}
	for i, m := range c.FieldMappings {
		if !m.Transformation.IsValid() {
			errs = append(errs, fmt.Errorf("field_mappings[%d].transformation %q is invalid", i, m.Transformation))
		}
		if m.Transformation == TransformFormat && m.Format == "" {
			errs = append(errs, fmt.Errorf("field_mappings[%d]: format transformation requires format", i))
		}
	}
	return errs
}

// structErrors runs the struct-tag validator and converts its findings into
// plain errors.
func structErrors(v any) []error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []error{err}
	}
	out := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			out = append(out, fmt.Errorf("%s failed %q (%s)", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			out = append(out, fmt.Errorf("%s failed %q", fe.Namespace(), fe.Tag()))
		}
	}
	return out
}
