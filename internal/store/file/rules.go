package file

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/porterolabs/portero/internal/store"
)

const rulesFile = "rules.json"

type rulesDoc struct {
	Rules []store.DynamicRule `json:"rules"`
}

// UpsertRule creates or replaces the rule for pattern. The replacement gets
// a fresh id and timestamp and moves to the head of the collection, so the
// newest decision for a pattern always wins and exactly one rule per
// pattern exists.
func (s *Store) UpsertRule(ctx context.Context, pattern string, action store.PolicyAction) (*store.DynamicRule, error) {
	if !store.ValidPolicyAction(action) {
		return nil, fmt.Errorf("invalid policy action %q", action)
	}

	s.rulesMu.Lock()
	defer s.rulesMu.Unlock()

	doc, err := readDoc[rulesDoc](s.path(rulesFile))
	if err != nil {
		return nil, err
	}
	kept := doc.Rules[:0]
	for _, r := range doc.Rules {
		if r.Pattern != pattern {
			kept = append(kept, r)
		}
	}
	rule := store.DynamicRule{
		ID:        uuid.NewString(),
		Pattern:   pattern,
		Action:    action,
		CreatedAt: time.Now().UTC(),
	}
	doc.Rules = append([]store.DynamicRule{rule}, kept...)
	if err := writeDoc(s.path(rulesFile), doc); err != nil {
		return nil, err
	}
	return &rule, nil
}

// ListRules returns all dynamic rules newest-first.
func (s *Store) ListRules(ctx context.Context) ([]store.DynamicRule, error) {
	s.rulesMu.Lock()
	defer s.rulesMu.Unlock()

	doc, err := readDoc[rulesDoc](s.path(rulesFile))
	if err != nil {
		return nil, err
	}
	return doc.Rules, nil
}

// DeleteRule removes the rule for pattern.
func (s *Store) DeleteRule(ctx context.Context, pattern string) error {
	s.rulesMu.Lock()
	defer s.rulesMu.Unlock()

	doc, err := readDoc[rulesDoc](s.path(rulesFile))
	if err != nil {
		return err
	}
	for i := range doc.Rules {
		if doc.Rules[i].Pattern == pattern {
			doc.Rules = append(doc.Rules[:i], doc.Rules[i+1:]...)
			return writeDoc(s.path(rulesFile), doc)
		}
	}
	return fmt.Errorf("rule %q: %w", pattern, store.ErrNotFound)
}
