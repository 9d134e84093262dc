package normalize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/vocaform/pkg/tool"
)

var (
	isoDate   = regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})$`)
	usDate    = regexp.MustCompile(`^(\d{1,2})[/-](\d{1,2})[/-](\d{4})$`)
	shortDate = regexp.MustCompile(`^(\d{1,2})[/-](\d{1,2})[/-](\d{2})$`)
)

func normalizeDate(field tool.FieldSpec, s string) Result {
	if canonical, ok := ParseDate(s); ok {
		return Result{Valid: true, Value: canonical}
	}
	return invalid(field, InvalidDate, fmt.Sprintf("%s must be a valid date such as MM/DD/YYYY", label(field)))
}

// ParseDate accepts MM/DD/YYYY, MM-DD-YYYY, YYYY-MM-DD, MM/DD/YY and MM-DD-YY
// and returns the date as YYYY-MM-DD. Two-digit years below 50 map to 20YY,
// the rest to 19YY. Calendar-invalid dates such as 02/30/2024 are rejected.
func ParseDate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	var y, m, d int
	switch {
	case isoDate.MatchString(s):
		p := isoDate.FindStringSubmatch(s)
		y, m, d = atoi(p[1]), atoi(p[2]), atoi(p[3])
	case usDate.MatchString(s):
		p := usDate.FindStringSubmatch(s)
		m, d, y = atoi(p[1]), atoi(p[2]), atoi(p[3])
	case shortDate.MatchString(s):
		p := shortDate.FindStringSubmatch(s)
		m, d, y = atoi(p[1]), atoi(p[2]), atoi(p[3])
		if y < 50 {
			y += 2000
		} else {
			y += 1900
		}
	default:
		return "", false
	}
	if m < 1 || m > 12 || d < 1 || d > 31 {
		return "", false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Year() != y || int(t.Month()) != m || t.Day() != d {
		return "", false
	}
	return t.Format(time.DateOnly), true
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// Describe returns a spoken restatement of what field expects, used after a
// rejected answer.
func Describe(field tool.FieldSpec) string {
	name := label(field)
	var b strings.Builder
	switch field.Type {
	case tool.FieldNumber:
		fmt.Fprintf(&b, "Please say a number for %s.", name)
	case tool.FieldEmail:
		fmt.Fprintf(&b, "Please spell out a valid email address for %s.", name)
	case tool.FieldPhone:
		fmt.Fprintf(&b, "Please say a phone number with ten digits for %s.", name)
	case tool.FieldDate:
		fmt.Fprintf(&b, "Please say the %s as month, day and year.", name)
	case tool.FieldSelect:
		fmt.Fprintf(&b, "Please choose one of: %s.", strings.Join(field.Options, ", "))
	default:
		fmt.Fprintf(&b, "Please say your %s.", name)
	}
	if v := field.Validation; v != nil && field.Type == tool.FieldText {
		switch {
		case v.MinLength > 0 && v.MaxLength > 0:
			fmt.Fprintf(&b, " It should be between %d and %d characters.", v.MinLength, v.MaxLength)
		case v.MinLength > 0:
			fmt.Fprintf(&b, " It should be at least %d characters.", v.MinLength)
		case v.MaxLength > 0:
			fmt.Fprintf(&b, " It should be at most %d characters.", v.MaxLength)
		}
	}
	if !field.Required {
		b.WriteString(" You can also stay silent to skip it.")
	}
	return b.String()
}

// Prompt returns the question for field. An explicit prompt wins; otherwise
// one is built from the field's name, type and options.
func Prompt(field tool.FieldSpec) string {
	if p := strings.TrimSpace(field.Prompt); p != "" {
		return p
	}
	name := label(field)
	var q string
	switch field.Type {
	case tool.FieldEmail:
		q = fmt.Sprintf("What is your %s? Please spell it out.", name)
	case tool.FieldPhone:
		q = fmt.Sprintf("What is your %s?", name)
	case tool.FieldDate:
		q = fmt.Sprintf("What is the %s? Please say month, day and year.", name)
	case tool.FieldNumber:
		q = fmt.Sprintf("What is your %s? Please say a number.", name)
	case tool.FieldSelect:
		q = fmt.Sprintf("Which %s would you like? The options are: %s.", name, strings.Join(field.Options, ", "))
	default:
		q = fmt.Sprintf("What is your %s?", name)
	}
	if !field.Required {
		q += " This one is optional."
	}
	return q
}

// humanize turns identifiers like "firstName" or "date_of_birth" into
// "first name" and "date of birth".
func humanize(name string) string {
	var b strings.Builder
	prevLower := false
	for _, r := range name {
		switch {
		case r == '_' || r == '-':
			b.WriteByte(' ')
			prevLower = false
			continue
		case r >= 'A' && r <= 'Z':
			if prevLower {
				b.WriteByte(' ')
			}
			b.WriteRune(r + ('a' - 'A'))
			prevLower = false
			continue
		}
		b.WriteRune(r)
		prevLower = (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
