package file

import (
	"context"
	"fmt"

	"github.com/porterolabs/portero/internal/store"
)

const grantsFile = "grants.json"

type grantsDoc struct {
	Grants []store.Grant `json:"grants"`
}

// CreateGrant inserts a new grant at the head of the collection.
func (s *Store) CreateGrant(ctx context.Context, g *store.Grant) error {
	s.grantsMu.Lock()
	defer s.grantsMu.Unlock()

	doc, err := readDoc[grantsDoc](s.path(grantsFile))
	if err != nil {
		return err
	}
	for i := range doc.Grants {
		if doc.Grants[i].ID == g.ID {
			return fmt.Errorf("grant %s: %w", g.ID, store.ErrAlreadyExists)
		}
	}
	doc.Grants = append([]store.Grant{*g}, doc.Grants...)
	return writeDoc(s.path(grantsFile), doc)
}

// GetGrant returns the grant with the given id.
func (s *Store) GetGrant(ctx context.Context, id string) (*store.Grant, error) {
	s.grantsMu.Lock()
	defer s.grantsMu.Unlock()

	doc, err := readDoc[grantsDoc](s.path(grantsFile))
	if err != nil {
		return nil, err
	}
	for i := range doc.Grants {
		if doc.Grants[i].ID == id {
			g := doc.Grants[i]
			return &g, nil
		}
	}
	return nil, fmt.Errorf("grant %s: %w", id, store.ErrNotFound)
}

// ListGrants returns all grants newest-first, active or not. Callers apply
// their own expiry checks.
func (s *Store) ListGrants(ctx context.Context) ([]store.Grant, error) {
	s.grantsMu.Lock()
	defer s.grantsMu.Unlock()

	doc, err := readDoc[grantsDoc](s.path(grantsFile))
	if err != nil {
		return nil, err
	}
	return doc.Grants, nil
}

// DeleteGrant removes a grant by id.
func (s *Store) DeleteGrant(ctx context.Context, id string) error {
	s.grantsMu.Lock()
	defer s.grantsMu.Unlock()

	doc, err := readDoc[grantsDoc](s.path(grantsFile))
	if err != nil {
		return err
	}
	for i := range doc.Grants {
		if doc.Grants[i].ID == id {
			doc.Grants = append(doc.Grants[:i], doc.Grants[i+1:]...)
			return writeDoc(s.path(grantsFile), doc)
		}
	}
	return fmt.Errorf("grant %s: %w", id, store.ErrNotFound)
}
