package intercept

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/tfkr-ae/snag/domain"
)

// Redacted replaces the value of a header removed by RedactHeaders.
const Redacted = "[REDACTED]"

// RedactHeaders returns a delegate that replaces the values of the named request and
// response headers. Names are compared case-insensitively.
func RedactHeaders(names ...string) Delegate {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[strings.ToLower(name)] = struct{}{}
	}

	return DelegateFunc(func(record *domain.CaptureRecord) *domain.CaptureRecord {
		if len(set) == 0 || record.Direction == domain.DirectionLog {
			return record
		}
		if !hasHeader(record, func(h domain.Header) bool { _, ok := set[strings.ToLower(h.Key)]; return ok }) {
			return record
		}

		out := record.Clone()
		redact := func(headers domain.Headers) {
			for i := range headers {
				if _, ok := set[strings.ToLower(headers[i].Key)]; ok {
					headers[i].Value = Redacted
				}
			}
		}
		redact(out.Request.Headers)
		if out.Response != nil {
			redact(out.Response.Headers)
		}
		return refreeze(record, out)
	})
}

type secretPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
	validate    func(match string) bool
}

var builtinSecrets = []struct {
	name     string
	pattern  string
	validate func(string) bool
}{
	{name: "aws-key", pattern: `AKIA[0-9A-Z]{16}`},
	{name: "bearer-token", pattern: `Bearer [A-Za-z0-9\-._~+/]+=*`},
	{name: "basic-auth", pattern: `Basic [A-Za-z0-9+/]+=*`},
	{name: "jwt", pattern: `eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]+`},
	{name: "github-pat", pattern: `(ghp_[A-Za-z0-9]{36,}|github_pat_[A-Za-z0-9_]{36,})`},
	{name: "private-key", pattern: `-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`},
	{name: "credit-card", pattern: `\b([0-9]{4}[- ]?[0-9]{4}[- ]?[0-9]{4}[- ]?[0-9]{4})\b`, validate: luhnValid},
}

// PatternRedactor scrubs secrets from header values and text bodies.
type PatternRedactor struct {
	patterns []secretPattern
}

// RedactPatterns returns a redactor loaded with the built-in secret patterns.
func RedactPatterns() *PatternRedactor {
	r := &PatternRedactor{}
	for _, bp := range builtinSecrets {
		r.patterns = append(r.patterns, secretPattern{
			name:        bp.name,
			regex:       regexp.MustCompile(bp.pattern),
			replacement: "[REDACTED:" + bp.name + "]",
			validate:    bp.validate,
		})
	}
	return r
}

// AddPattern registers an extra pattern. Matches are replaced with [REDACTED:name].
func (r *PatternRedactor) AddPattern(name, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("compiling pattern %q : %w", name, err)
	}
	r.patterns = append(r.patterns, secretPattern{
		name:        name,
		regex:       re,
		replacement: "[REDACTED:" + name + "]",
	})
	return nil
}

// Redact applies every pattern to text.
func (r *PatternRedactor) Redact(text string) string {
	for _, p := range r.patterns {
		if p.validate == nil {
			text = p.regex.ReplaceAllString(text, p.replacement)
			continue
		}
		text = p.regex.ReplaceAllStringFunc(text, func(match string) string {
			if p.validate(match) {
				return p.replacement
			}
			return match
		})
	}
	return text
}

func (r *PatternRedactor) WillSend(record *domain.CaptureRecord) *domain.CaptureRecord {
	if record.Direction == domain.DirectionLog {
		return record
	}

	out := record.Clone()
	changed := r.redactHeaders(out.Request.Headers)
	if body, ok := r.redactBody(out.Request.Body); ok {
		out.Request.Body = body
		changed = true
	}
	if out.Response != nil {
		if r.redactHeaders(out.Response.Headers) {
			changed = true
		}
		if body, ok := r.redactBody(out.Response.Body); ok {
			out.Response.Body = body
			changed = true
		}
	}

	if !changed {
		return record
	}
	return refreeze(record, out)
}

func (r *PatternRedactor) redactHeaders(headers domain.Headers) bool {
	changed := false
	for i := range headers {
		if redacted := r.Redact(headers[i].Value); redacted != headers[i].Value {
			headers[i].Value = redacted
			changed = true
		}
	}
	return changed
}

// redactBody only touches UTF-8 bodies. Binary content is left alone.
func (r *PatternRedactor) redactBody(body []byte) ([]byte, bool) {
	if len(body) == 0 || !utf8.Valid(body) {
		return body, false
	}
	redacted := r.Redact(string(body))
	if redacted == string(body) {
		return body, false
	}
	return []byte(redacted), true
}

func hasHeader(record *domain.CaptureRecord, match func(domain.Header) bool) bool {
	for _, h := range record.Request.Headers {
		if match(h) {
			return true
		}
	}
	if record.Response != nil {
		for _, h := range record.Response.Headers {
			if match(h) {
				return true
			}
		}
	}
	return false
}

// refreeze keeps a modified copy in the same completion state as its source.
func refreeze(source, out *domain.CaptureRecord) *domain.CaptureRecord {
	if source.Frozen() {
		out.Freeze()
	}
	return out
}

// luhnValid reports whether the digits in s pass the Luhn checksum.
func luhnValid(s string) bool {
	var digits []int
	for _, c := range s {
		if c >= '0' && c <= '9' {
			digits = append(digits, int(c-'0'))
		}
	}
	if len(digits) < 13 {
		return false
	}

	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
