package tool

import "net/url"

// RedactedValue replaces credentials in configs shown outside the process.
const RedactedValue = "[REDACTED]"

func redact(s string) string {
	if s == "" {
		return ""
	}
	return RedactedValue
}

// Redacted returns a deep copy of c that is safe to expose: auth secrets,
// database passwords, header values and URL userinfo passwords are masked.
// Header names and everything else are kept.
func (c *HandoffConfig) Redacted() *HandoffConfig {
	out := c.Clone()
	if out == nil {
		return nil
	}
	if api := out.API; api != nil {
		if u, err := url.Parse(api.Endpoint); err == nil && u.User != nil {
			api.Endpoint = u.Redacted()
		}
		for k, v := range api.Headers {
			api.Headers[k] = redact(v)
		}
		if a := api.Auth; a != nil {
			a.Token = redact(a.Token)
			a.Password = redact(a.Password)
			a.APIKey = redact(a.APIKey)
		}
	}
	if db := out.Database; db != nil {
		db.Credentials.Password = redact(db.Credentials.Password)
	}
	return out
}

// Redacted returns a deep copy of d whose handoff config is redacted.
func (d *Definition) Redacted() *Definition {
	out := d.Clone()
	if out != nil {
		out.Handoff = d.Handoff.Redacted()
	}
	return out
}
