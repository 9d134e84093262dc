// Package normalize turns raw transcribed speech into typed, validated field
// values.
//
// [Normalize] is a pure function: given a [tool.FieldSpec] and the raw text
// returned by speech recognition it either produces a canonical value or a
// list of [ValidationError] values describing why the input was rejected.
// The required-field check always runs first; an empty answer to an optional
// field short-circuits to a valid empty value.
//
// Spoken forms are deliberately not rewritten ("john at example dot com" is
// not turned into an address); the session re-prompts instead.
package normalize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/MrWong99/vocaform/pkg/tool"
)

// Code classifies a validation failure.
type Code string

const (
	MissingRequiredField Code = "MissingRequiredField"
	NotANumber           Code = "NotANumber"
	InvalidEmail         Code = "InvalidEmail"
	InvalidPhone         Code = "InvalidPhone"
	InvalidDate          Code = "InvalidDate"
	InvalidOption        Code = "InvalidOption"
	TooShort             Code = "TooShort"
	TooLong              Code = "TooLong"
	PatternMismatch      Code = "PatternMismatch"
	InvalidPattern       Code = "InvalidPattern"
)

// ValidationError describes one reason a value was rejected. Message is
// phrased so it can be read back to the user.
type ValidationError struct {
	Code    Code
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Result is the outcome of normalising one answer.
type Result struct {
	Valid bool

	// Value is the canonical value: float64 for number fields, string for
	// everything else. Empty optional answers yield "".
	Value any

	Errors []*ValidationError
}

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

	// numberPrefix is the longest leading run that reads as a decimal, so
	// "12.5.3" yields 12.5 and "3-4" yields 3.
	numberPrefix = regexp.MustCompile(`^-?(\d+\.?\d*|\.\d+)`)
)

// Normalize validates raw against field and returns the canonical value.
func Normalize(field tool.FieldSpec, raw string) Result {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		if field.Required {
			return invalid(field, MissingRequiredField, fmt.Sprintf("%s is required", label(field)))
		}
		return Result{Valid: true, Value: ""}
	}

	var res Result
	switch field.Type {
	case tool.FieldNumber:
		res = normalizeNumber(field, trimmed)
	case tool.FieldEmail:
		res = normalizeEmail(field, trimmed)
	case tool.FieldPhone:
		res = normalizePhone(field, trimmed)
	case tool.FieldDate:
		res = normalizeDate(field, trimmed)
	case tool.FieldSelect:
		res = normalizeSelect(field, trimmed)
	default:
		res = normalizeText(field, trimmed)
	}
	if !res.Valid {
		return res
	}
	return applyPattern(field, res)
}

func normalizeText(field tool.FieldSpec, s string) Result {
	var errs []*ValidationError
	if v := field.Validation; v != nil {
		n := utf8.RuneCountInString(s)
		if v.MinLength > 0 && n < v.MinLength {
			errs = append(errs, newError(field, TooShort, fmt.Sprintf("%s must be at least %d characters", label(field), v.MinLength)))
		}
		if v.MaxLength > 0 && n > v.MaxLength {
			errs = append(errs, newError(field, TooLong, fmt.Sprintf("%s must be at most %d characters", label(field), v.MaxLength)))
		}
	}
	if len(errs) > 0 {
		return Result{Errors: errs}
	}
	return Result{Valid: true, Value: s}
}

func normalizeNumber(field tool.FieldSpec, s string) Result {
	cleaned := strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' {
			return r
		}
		return -1
	}, s)
	n, err := strconv.ParseFloat(numberPrefix.FindString(cleaned), 64)
	if err != nil {
		return invalid(field, NotANumber, fmt.Sprintf("%s must be a number", label(field)))
	}
	return Result{Valid: true, Value: n}
}

func normalizeEmail(field tool.FieldSpec, s string) Result {
	email := strings.ToLower(strings.TrimSpace(s))
	if !emailPattern.MatchString(email) {
		return invalid(field, InvalidEmail, fmt.Sprintf("%s must be a valid email address", label(field)))
	}
	return Result{Valid: true, Value: email}
}

func normalizePhone(field tool.FieldSpec, s string) Result {
	digits := onlyDigits(s)
	switch {
	case len(digits) == 10:
		return Result{Valid: true, Value: fmt.Sprintf("(%s) %s-%s", digits[:3], digits[3:6], digits[6:])}
	case len(digits) == 11 && digits[0] == '1':
		return Result{Valid: true, Value: fmt.Sprintf("+1 (%s) %s-%s", digits[1:4], digits[4:7], digits[7:])}
	}
	return invalid(field, InvalidPhone, fmt.Sprintf("%s must be a valid phone number with at least 10 digits", label(field)))
}

func normalizeSelect(field tool.FieldSpec, s string) Result {
	answer := strings.ToLower(strings.TrimSpace(s))
	for _, opt := range field.Options {
		if strings.ToLower(opt) == answer {
			return Result{Valid: true, Value: opt}
		}
	}
	for _, opt := range field.Options {
		o := strings.ToLower(opt)
		if o == "" {
			continue
		}
		if strings.Contains(answer, o) || strings.Contains(o, answer) {
			return Result{Valid: true, Value: opt}
		}
	}
	msg := fmt.Sprintf("%s must be one of: %s", label(field), strings.Join(field.Options, ", "))
	if opt, ok := soundsLike(answer, field.Options); ok {
		if field.MatchSoundAlike {
			return Result{Valid: true, Value: opt}
		}
		msg += fmt.Sprintf(". Did you mean %s?", opt)
	}
	return invalid(field, InvalidOption, msg)
}

// applyPattern checks the optional client regex against the normalised value.
func applyPattern(field tool.FieldSpec, res Result) Result {
	if field.Validation == nil || field.Validation.RegexPattern == "" {
		return res
	}
	re, err := regexp.Compile(field.Validation.RegexPattern)
	if err != nil {
		return invalid(field, InvalidPattern, fmt.Sprintf("%s has an invalid validation pattern", label(field)))
	}
	if !re.MatchString(ValueString(res.Value)) {
		return invalid(field, PatternMismatch, fmt.Sprintf("%s is not in the expected format", label(field)))
	}
	return res
}

// ValueString renders a normalised value as text. Numbers use the shortest
// representation that round-trips ("42", "3.5").
func ValueString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// Messages flattens the messages of errs.
func Messages(errs []*ValidationError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Message
	}
	return out
}

func invalid(field tool.FieldSpec, code Code, msg string) Result {
	return Result{Errors: []*ValidationError{newError(field, code, msg)}}
}

func newError(field tool.FieldSpec, code Code, msg string) *ValidationError {
	return &ValidationError{Code: code, Field: field.Name, Message: msg}
}

func label(field tool.FieldSpec) string {
	return humanize(field.Name)
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
