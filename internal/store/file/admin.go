package file

import (
	"context"
	"time"

	"github.com/porterolabs/portero/internal/store"
)

const adminFile = "admin.json"

type adminDoc struct {
	Admin []store.AdminPairing `json:"admin"`
}

// GetAdmin returns the pairing record. An absent file or empty list means
// the channel is unpaired, which is not an error.
func (s *Store) GetAdmin(ctx context.Context) (*store.AdminPairing, error) {
	s.adminMu.Lock()
	defer s.adminMu.Unlock()

	doc, err := readDoc[adminDoc](s.path(adminFile))
	if err != nil {
		return nil, err
	}
	if len(doc.Admin) == 0 {
		return &store.AdminPairing{}, nil
	}
	p := doc.Admin[0]
	return &p, nil
}

// SetAdmin binds the approval channel to chatID, replacing any previous
// pairing.
func (s *Store) SetAdmin(ctx context.Context, chatID int64) error {
	s.adminMu.Lock()
	defer s.adminMu.Unlock()

	now := time.Now().UTC()
	doc := adminDoc{Admin: []store.AdminPairing{{ChatID: &chatID, PairedAt: &now}}}
	return writeDoc(s.path(adminFile), doc)
}
