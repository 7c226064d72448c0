// Package config loads the three YAML documents that describe a portero
// deployment: backends, replacements, and policies. String values may
// reference ${VAR} placeholders resolved from the environment or the
// encrypted secrets file. A malformed document is fatal; an unresolved
// placeholder only disables the owning entry.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/porterolabs/portero/internal/anonymize"
	"github.com/porterolabs/portero/internal/policy"
	"github.com/porterolabs/portero/internal/store"
)

// Document file names inside the config directory.
const (
	BackendsFile     = "backends.yaml"
	ReplacementsFile = "replacements.yaml"
	PoliciesFile     = "policies.yaml"
)

// Backend describes one tool provider.
type Backend struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`
	Pinned    []string          `yaml:"pinned,omitempty"`
}

// Environ merges the process environment with the backend's env map for
// a stdio child. Backend entries win over inherited ones.
func (b *Backend) Environ() []string {
	env := os.Environ()
	for k, v := range b.Env {
		env = append(env, k+"="+v)
	}
	return env
}

type backendsDoc struct {
	Backends []Backend `yaml:"backends"`
}

type replacementsDoc struct {
	Replacements []anonymize.Rule `yaml:"replacements"`
}

type policyEntry struct {
	Pattern string             `yaml:"pattern"`
	Action  store.PolicyAction `yaml:"action"`
}

type policiesDoc struct {
	Default  store.PolicyAction `yaml:"default"`
	Policies []policyEntry      `yaml:"policies"`
}

// Config is the loaded deployment description.
type Config struct {
	Backends     []Backend
	Replacements []anonymize.Rule
	Policy       policy.Static
}

// Lookup resolves a ${VAR} reference. ok=false leaves it unresolved.
type Lookup func(key string) (string, bool)

// EnvLookup resolves from the process environment.
func EnvLookup(key string) (string, bool) { return os.LookupEnv(key) }

// ChainLookup tries each lookup in order; the first hit wins.
func ChainLookup(lookups ...Lookup) Lookup {
	return func(key string) (string, bool) {
		for _, l := range lookups {
			if l == nil {
				continue
			}
			if v, ok := l(key); ok {
				return v, true
			}
		}
		return "", false
	}
}

// Load reads the documents from dir. Missing files load as empty
// documents so a bare data directory starts with everything allowed and
// nothing rewritten.
func Load(dir string, lookup Lookup) (*Config, error) {
	if lookup == nil {
		lookup = EnvLookup
	}
	cfg := &Config{}

	var bdoc backendsDoc
	if err := loadDoc(filepath.Join(dir, BackendsFile), &bdoc); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(bdoc.Backends))
	for _, b := range bdoc.Backends {
		if err := validateBackend(&b); err != nil {
			return nil, fmt.Errorf("backend %q: %w", b.Name, err)
		}
		if _, dup := seen[b.Name]; dup {
			return nil, fmt.Errorf("backend %q: duplicate name", b.Name)
		}
		seen[b.Name] = struct{}{}
		if missing := expandBackend(&b, lookup); len(missing) > 0 {
			slog.Warn("skipping backend with unresolved placeholders", "backend", b.Name, "vars", missing)
			continue
		}
		cfg.Backends = append(cfg.Backends, b)
	}

	var rdoc replacementsDoc
	if err := loadDoc(filepath.Join(dir, ReplacementsFile), &rdoc); err != nil {
		return nil, err
	}
	for _, r := range rdoc.Replacements {
		if r.Fake == "" {
			return nil, errors.New("replacement rule: fake must not be empty")
		}
		if missing := expandRule(&r, lookup); len(missing) > 0 {
			slog.Warn("dropping replacement rule with unresolved placeholders", "fake", r.Fake, "vars", missing)
			continue
		}
		cfg.Replacements = append(cfg.Replacements, r)
	}

	var pdoc policiesDoc
	if err := loadDoc(filepath.Join(dir, PoliciesFile), &pdoc); err != nil {
		return nil, err
	}
	static := policy.Static{Default: pdoc.Default}
	if static.Default == "" {
		static.Default = store.ActionAllow
	}
	if !store.ValidPolicyAction(static.Default) {
		return nil, fmt.Errorf("policies: invalid default action %q", static.Default)
	}
	for _, e := range pdoc.Policies {
		if e.Pattern == "" {
			return nil, errors.New("policy entry: pattern must not be empty")
		}
		if !store.ValidPolicyAction(e.Action) {
			return nil, fmt.Errorf("policy %q: invalid action %q", e.Pattern, e.Action)
		}
		pattern, missing := expand(e.Pattern, lookup)
		if len(missing) > 0 {
			slog.Warn("dropping policy entry with unresolved placeholders", "pattern", e.Pattern, "vars", missing)
			continue
		}
		static.Entries = append(static.Entries, policy.StaticEntry{Pattern: pattern, Action: e.Action})
	}
	cfg.Policy = static

	return cfg, nil
}

func loadDoc(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

func validateBackend(b *Backend) error {
	if b.Name == "" {
		return errors.New("missing name")
	}
	if strings.ContainsAny(b.Name, "/ ") {
		return errors.New("name must not contain '/' or spaces")
	}
	switch b.Transport {
	case "stdio":
		if b.Command == "" {
			return errors.New("stdio backend needs a command")
		}
	case "http":
		if b.URL == "" {
			return errors.New("http backend needs a url")
		}
	default:
		return fmt.Errorf("unknown transport %q", b.Transport)
	}
	return nil
}

// expand substitutes ${VAR} references in s and reports the variables
// that resolved nowhere; those stay literal in the output.
func expand(s string, lookup Lookup) (string, []string) {
	if !strings.Contains(s, "${") {
		return s, nil
	}
	var missing []string
	var b strings.Builder
	for i := 0; i < len(s); {
		if s[i] == '$' && i+1 < len(s) && s[i+1] == '{' {
			end := strings.IndexByte(s[i+2:], '}')
			if end < 0 {
				b.WriteString(s[i:])
				break
			}
			key := s[i+2 : i+2+end]
			if v, ok := lookup(key); ok {
				b.WriteString(v)
			} else {
				missing = append(missing, key)
				b.WriteString(s[i : i+3+end])
			}
			i += 3 + end
			continue
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String(), missing
}

func expandBackend(b *Backend, lookup Lookup) []string {
	var missing []string
	exp := func(s string) string {
		out, miss := expand(s, lookup)
		missing = append(missing, miss...)
		return out
	}
	b.Command = exp(b.Command)
	for i := range b.Args {
		b.Args[i] = exp(b.Args[i])
	}
	for k, v := range b.Env {
		b.Env[k] = exp(v)
	}
	b.URL = exp(b.URL)
	for k, v := range b.Headers {
		b.Headers[k] = exp(v)
	}
	return missing
}

func expandRule(r *anonymize.Rule, lookup Lookup) []string {
	var missing []string
	exp := func(s string) string {
		out, miss := expand(s, lookup)
		missing = append(missing, miss...)
		return out
	}
	r.Fake = exp(r.Fake)
	r.Real = exp(r.Real)
	if r.ResponseReplacement != nil {
		repl := exp(*r.ResponseReplacement)
		r.ResponseReplacement = &repl
	}
	return missing
}
