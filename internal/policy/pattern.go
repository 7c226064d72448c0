package policy

import "strings"

// Match reports whether a namespaced tool name matches a pattern.
//
// The pattern language is deliberately small and must stay that way;
// deployments depend on these exact semantics for authorization:
//
//   - `*`  matches any run of characters without the `/` separator
//   - `**` matches any run of characters including `/`
//   - a bare `*` matches every name
//   - everything else is literal, anchored to the full string
func Match(name, pattern string) bool {
	if pattern == "*" {
		return true
	}
	return match(name, pattern)
}

func match(name, pattern string) bool {
	for len(pattern) > 0 {
		if pattern[0] != '*' {
			if len(name) == 0 || name[0] != pattern[0] {
				return false
			}
			name = name[1:]
			pattern = pattern[1:]
			continue
		}

		if strings.HasPrefix(pattern, "**") {
			rest := pattern[2:]
			if rest == "" {
				return true
			}
			for i := 0; i <= len(name); i++ {
				if match(name[i:], rest) {
					return true
				}
			}
			return false
		}

		// Single star: try every split point that does not consume a
		// separator.
		rest := pattern[1:]
		for i := 0; i <= len(name); i++ {
			if match(name[i:], rest) {
				return true
			}
			if i < len(name) && name[i] == '/' {
				return false
			}
		}
		return false
	}
	return len(name) == 0
}
