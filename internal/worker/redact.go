package worker

import "regexp"

// Redactor masks disallowed spans in query text before it reaches retrieval
// or an external LLM. Patterns are applied in order; matched spans are
// replaced with the tag placeholder.
type Redactor struct {
	rules []redactRule
}

type redactRule struct {
	tag     string
	pattern *regexp.Regexp
}

// Built-in guardrail patterns keyed by tag.
var guardrailPatterns = map[string]*regexp.Regexp{
	"EMAIL":       regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
	"PHONE":       regexp.MustCompile(`\+?\d[\d\s\-()]{7,}\d`),
	"SSN":         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	"CREDIT_CARD": regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`),
}

// NewRedactor builds a Redactor for the requested tags. Unknown tags are
// ignored; an empty tag list enables every built-in pattern.
func NewRedactor(tags ...string) *Redactor {
	r := &Redactor{}
	if len(tags) == 0 {
		for tag, pattern := range guardrailPatterns {
			r.rules = append(r.rules, redactRule{tag: tag, pattern: pattern})
		}
		return r
	}
	for _, tag := range tags {
		if pattern, ok := guardrailPatterns[tag]; ok {
			r.rules = append(r.rules, redactRule{tag: tag, pattern: pattern})
		}
	}
	return r
}

// Redact replaces every matched span with its [TAG] placeholder.
func (r *Redactor) Redact(text string) string {
	for _, rule := range r.rules {
		text = rule.pattern.ReplaceAllString(text, "["+rule.tag+"]")
	}
	return text
}
