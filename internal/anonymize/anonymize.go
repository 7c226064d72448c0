// Package anonymize rewrites literal substrings between the caller-facing
// and backend-facing forms of tool payloads.
//
// Inbound rewriting (Anonymize) turns caller pseudonyms into the real
// values a backend needs; outbound rewriting (Deanonymize) inverts that on
// replies, or redacts for one-way rules. Rules apply sequentially in
// configuration order, so the output of one rule is the input of the next;
// overlapping rules are the configuration author's responsibility.
package anonymize

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RedactedToken replaces the real value in responses when a one-way rule
// has no explicit response replacement.
const RedactedToken = "***REDACTED***"

// Rule is one literal substitution. Fake must be non-empty. When
// Bidirectional is false the response direction substitutes Real with
// ResponseReplacement (or RedactedToken) instead of Fake.
type Rule struct {
	Fake                string  `yaml:"fake" json:"fake"`
	Real                string  `yaml:"real" json:"real"`
	Bidirectional       bool    `yaml:"bidirectional" json:"bidirectional"`
	CaseSensitive       *bool   `yaml:"caseSensitive,omitempty" json:"caseSensitive,omitempty"`
	ResponseReplacement *string `yaml:"responseReplacement,omitempty" json:"responseReplacement,omitempty"`
}

func (r Rule) caseSensitive() bool {
	return r.CaseSensitive == nil || *r.CaseSensitive
}

func (r Rule) responseValue() string {
	if r.Bidirectional {
		return r.Fake
	}
	if r.ResponseReplacement != nil {
		return *r.ResponseReplacement
	}
	return RedactedToken
}

// Engine applies a fixed rule set loaded at startup.
type Engine struct {
	rules []Rule
}

// New validates the rules and builds an Engine. An empty rule set is valid
// and turns both directions into identity transforms.
func New(rules []Rule) (*Engine, error) {
	for i, r := range rules {
		if r.Fake == "" {
			return nil, fmt.Errorf("replacement rule %d: fake must not be empty", i+1)
		}
	}
	return &Engine{rules: rules}, nil
}

// Len returns the number of loaded rules.
func (e *Engine) Len() int { return len(e.rules) }

// Anonymize rewrites caller pseudonyms to real values across v.
func (e *Engine) Anonymize(v any) any {
	return walk(v, e.rewriteInbound)
}

// Deanonymize rewrites real values back to their caller-facing form
// across v.
func (e *Engine) Deanonymize(v any) any {
	return walk(v, e.rewriteOutbound)
}

// AnonymizeRaw applies Anonymize to a raw JSON payload.
func (e *Engine) AnonymizeRaw(raw json.RawMessage) (json.RawMessage, error) {
	return e.rewriteRaw(raw, e.rewriteInbound)
}

// DeanonymizeRaw applies Deanonymize to a raw JSON payload.
func (e *Engine) DeanonymizeRaw(raw json.RawMessage) (json.RawMessage, error) {
	return e.rewriteRaw(raw, e.rewriteOutbound)
}

func (e *Engine) rewriteRaw(raw json.RawMessage, rw func(string) string) (json.RawMessage, error) {
	if len(e.rules) == 0 || len(raw) == 0 {
		return raw, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	out, err := json.Marshal(walk(v, rw))
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return out, nil
}

func (e *Engine) rewriteInbound(s string) string {
	for _, r := range e.rules {
		s = replaceLiteral(s, r.Fake, r.Real, r.caseSensitive())
	}
	return s
}

func (e *Engine) rewriteOutbound(s string) string {
	for _, r := range e.rules {
		if r.Real == "" {
			continue
		}
		s = replaceLiteral(s, r.Real, r.responseValue(), r.caseSensitive())
	}
	return s
}

// walk rewrites every string leaf in a decoded JSON value. Mapping nodes
// have both keys and values rewritten; arrays are rewritten element-wise;
// other scalars pass through.
func walk(v any, rw func(string) string) any {
	switch node := v.(type) {
	case string:
		return rw(node)
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, val := range node {
			out[rw(k)] = walk(val, rw)
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, val := range node {
			out[i] = walk(val, rw)
		}
		return out
	default:
		return v
	}
}

// replaceLiteral substitutes every occurrence of old with new. Insensitive
// matching finds all case variants of old but always emits new literally.
// Matching positions assume case folding preserves byte length, which
// holds for ASCII and the Latin text these rules are written in.
func replaceLiteral(s, old, new string, caseSensitive bool) string {
	if old == "" {
		return s
	}
	if caseSensitive {
		return strings.ReplaceAll(s, old, new)
	}

	lower := strings.ToLower(s)
	oldLower := strings.ToLower(old)
	var b strings.Builder
	start := 0
	for {
		i := strings.Index(lower[start:], oldLower)
		if i < 0 {
			break
		}
		i += start
		b.WriteString(s[start:i])
		b.WriteString(new)
		start = i + len(old)
	}
	if start == 0 {
		return s
	}
	b.WriteString(s[start:])
	return b.String()
}
