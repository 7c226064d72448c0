package file

import (
	"context"
	"fmt"

	"github.com/porterolabs/portero/internal/store"
)

const approvalsFile = "approvals.json"

type approvalsDoc struct {
	Approvals []store.Approval `json:"approvals"`
}

// ListApprovals returns any legacy pending-approval records left behind by
// a pre-task state directory.
func (s *Store) ListApprovals(ctx context.Context) ([]store.Approval, error) {
	s.approvalsMu.Lock()
	defer s.approvalsMu.Unlock()

	doc, err := readDoc[approvalsDoc](s.path(approvalsFile))
	if err != nil {
		return nil, err
	}
	return doc.Approvals, nil
}

// DeleteApproval removes a legacy approval record by id.
func (s *Store) DeleteApproval(ctx context.Context, id string) error {
	s.approvalsMu.Lock()
	defer s.approvalsMu.Unlock()

	doc, err := readDoc[approvalsDoc](s.path(approvalsFile))
	if err != nil {
		return err
	}
	for i := range doc.Approvals {
		if doc.Approvals[i].ID == id {
			doc.Approvals = append(doc.Approvals[:i], doc.Approvals[i+1:]...)
			return writeDoc(s.path(approvalsFile), doc)
		}
	}
	return fmt.Errorf("approval %s: %w", id, store.ErrNotFound)
}
