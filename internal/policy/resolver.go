// Package policy decides what happens to a tool invocation: allow it, deny
// it, or park it for admin approval. The resolver is the only component
// that consults the rule and grant collections for authorization.
package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/porterolabs/portero/internal/store"
)

// ErrDenied marks invocations rejected by policy.
var ErrDenied = errors.New("denied by policy")

// Source identifies which layer produced a decision.
type Source string

const (
	SourceDynamicRule   Source = "dynamic-rule"
	SourceStaticExact   Source = "static-exact"
	SourceStaticPattern Source = "static-pattern"
	SourceDefault       Source = "default"
)

// Decision is the resolved action for a tool name plus its provenance.
type Decision struct {
	Action  store.PolicyAction
	Source  Source
	Pattern string
	RuleID  string
}

// StaticEntry is one configured policy line, pattern or exact name.
type StaticEntry struct {
	Pattern string
	Action  store.PolicyAction
}

// Static holds the configured policy layer. Entries keep the document's
// insertion order, which decides pattern precedence.
type Static struct {
	Default store.PolicyAction
	Entries []StaticEntry
}

// Resolver layers persisted dynamic rules over static configuration.
// Resolution order: dynamic exact, dynamic pattern, static exact, static
// pattern, configured default. First hit wins.
type Resolver struct {
	rules  store.RuleStore
	grants store.GrantStore

	exact    map[string]store.PolicyAction
	patterns []StaticEntry
	def      store.PolicyAction
}

// NewResolver builds a Resolver. Static entries containing a `*` take part
// in pattern matching; every entry takes part in exact lookup.
func NewResolver(rules store.RuleStore, grants store.GrantStore, static Static) *Resolver {
	r := &Resolver{
		rules:  rules,
		grants: grants,
		exact:  make(map[string]store.PolicyAction, len(static.Entries)),
		def:    static.Default,
	}
	if r.def == "" {
		r.def = store.ActionAllow
	}
	for _, e := range static.Entries {
		if _, dup := r.exact[e.Pattern]; !dup {
			r.exact[e.Pattern] = e.Action
		}
		if containsWildcard(e.Pattern) {
			r.patterns = append(r.patterns, e)
		}
	}
	return r
}

// Resolve returns the action for toolName with provenance. Deterministic
// for a given store snapshot.
func (r *Resolver) Resolve(ctx context.Context, toolName string) (Decision, error) {
	rules, err := r.rules.ListRules(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("list dynamic rules: %w", err)
	}

	for _, rule := range rules {
		if rule.Pattern == toolName {
			return Decision{Action: rule.Action, Source: SourceDynamicRule, Pattern: rule.Pattern, RuleID: rule.ID}, nil
		}
	}
	for _, rule := range rules {
		if Match(toolName, rule.Pattern) {
			return Decision{Action: rule.Action, Source: SourceDynamicRule, Pattern: rule.Pattern, RuleID: rule.ID}, nil
		}
	}

	if action, ok := r.exact[toolName]; ok {
		return Decision{Action: action, Source: SourceStaticExact, Pattern: toolName}, nil
	}

	for _, e := range r.patterns {
		if Match(toolName, e.Pattern) {
			return Decision{Action: e.Action, Source: SourceStaticPattern, Pattern: e.Pattern}, nil
		}
	}

	return Decision{Action: r.def, Source: SourceDefault}, nil
}

// ActiveGrant returns the first grant that is in force for toolName at the
// given instant, or nil when none matches.
func (r *Resolver) ActiveGrant(ctx context.Context, toolName string, now time.Time) (*store.Grant, error) {
	grants, err := r.grants.ListGrants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	for i := range grants {
		g := grants[i]
		if g.Active(now) && Match(toolName, g.Pattern) {
			return &g, nil
		}
	}
	return nil, nil
}

func containsWildcard(pattern string) bool {
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '*' {
			return true
		}
	}
	return false
}
