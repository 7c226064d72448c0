package audit

import (
	"encoding/json"
	"strings"
)

// sensitiveKeyParts are key substrings whose values never reach the audit
// stream. Replacement rules hide known values; this catches credentials no
// rule was written for.
var sensitiveKeyParts = []string{
	"token",
	"secret",
	"password",
	"authorization",
	"cookie",
	"credential",
	"apikey",
	"_key",
}

const redactedValue = "[REDACTED]"

// Redact replaces values under sensitive keys in a JSON document, walking
// nested objects and arrays. Non-object input and unparseable input pass
// through unchanged.
func Redact(args json.RawMessage) json.RawMessage {
	if len(args) == 0 {
		return args
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(args, &obj); err != nil {
		return args
	}

	changed := false
	for key, val := range obj {
		if sensitiveKey(key) {
			obj[key] = json.RawMessage(`"` + redactedValue + `"`)
			changed = true
			continue
		}
		if out := redactValue(val); !bytesEqual(val, out) {
			obj[key] = out
			changed = true
		}
	}
	if !changed {
		return args
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return args
	}
	return out
}

// redactValue recurses into objects and arrays; scalars pass through.
func redactValue(val json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(val))
	if trimmed == "" {
		return val
	}
	switch trimmed[0] {
	case '{':
		return Redact(val)
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(val, &items); err != nil {
			return val
		}
		changed := false
		for i, item := range items {
			if out := redactValue(item); !bytesEqual(item, out) {
				items[i] = out
				changed = true
			}
		}
		if !changed {
			return val
		}
		out, err := json.Marshal(items)
		if err != nil {
			return val
		}
		return out
	default:
		return val
	}
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	if lower == "key" {
		return true
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

func bytesEqual(a, b json.RawMessage) bool {
	return string(a) == string(b)
}
