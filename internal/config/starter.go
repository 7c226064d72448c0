package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const starterBackends = `# Backend tool providers.
#
# Each backend namespaces its tools as <name>/<tool>. Transports:
#   stdio - spawn a child process speaking JSON-RPC on stdin/stdout
#   http  - POST JSON-RPC to a remote endpoint
#
# ${VAR} placeholders resolve from the environment and from the encrypted
# secrets file (portero secret put VAR <value>); a backend with unresolved
# placeholders is skipped at startup.
#
# pinned limits the default tools/list to the named tools. Unpinned tools
# stay reachable through portero/search_tools and portero/call.
backends: []
# backends:
#   - name: filesystem
#     transport: stdio
#     command: npx
#     args: ["-y", "@modelcontextprotocol/server-filesystem", "/srv/data"]
#     pinned: [read_file, list_directory]
#   - name: github
#     transport: http
#     url: https://api.githubcopilot.com/mcp/
#     headers:
#       Authorization: Bearer ${GITHUB_MCP_TOKEN}
`

const starterReplacements = `# Replacement rules applied to every tool call.
#
# Inbound, each rule rewrites fake -> real before the backend sees the
# arguments. Outbound, bidirectional rules rewrite real -> fake; one-way
# rules substitute responseReplacement (default ***REDACTED***).
replacements: []
# replacements:
#   - fake: John Doe
#     real: ${REAL_NAME}
#     bidirectional: true
#   - fake: sk_test_placeholder
#     real: ${STRIPE_SECRET_KEY}
#     bidirectional: false
#     responseReplacement: "***"
`

const starterPolicies = `# Tool invocation policy.
#
# Actions: allow, deny, require-approval. Patterns match full tool names;
# * matches within a namespace segment, ** crosses segments. Dynamic rules
# created from the admin chat take precedence over entries here.
default: allow
policies: []
# policies:
#   - pattern: "filesystem/delete_file"
#     action: deny
#   - pattern: "github/create_pull_request"
#     action: require-approval
#   - pattern: "stripe/**"
#     action: require-approval
`

// WriteStarter creates dir and writes the starter documents. Existing
// files are left untouched.
func WriteStarter(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	docs := map[string]string{
		BackendsFile:     starterBackends,
		ReplacementsFile: starterReplacements,
		PoliciesFile:     starterPolicies,
	}
	for name, content := range docs {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			slog.Info("config document exists, leaving unchanged", "file", name)
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}
