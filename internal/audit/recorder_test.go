package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/porterolabs/portero/internal/store"
)

type captureStore struct {
	mu   sync.Mutex
	recs []store.AuditRecord
	err  error
}

func (c *captureStore) AppendAudit(ctx context.Context, r *store.AuditRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.recs = append(c.recs, *r)
	return nil
}

func (c *captureStore) RecentAudit(ctx context.Context, limit int) ([]store.AuditRecord, error) {
	return nil, nil
}

func (c *captureStore) all() []store.AuditRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]store.AuditRecord(nil), c.recs...)
}

func TestRecordFillsDefaultsAndRedacts(t *testing.T) {
	cs := &captureStore{}
	r := NewRecorder(cs)

	r.Record(context.Background(), store.AuditRecord{
		ToolName:  "mail/send_email",
		Status:    store.AuditSuccess,
		Arguments: []byte(`{"to":"alice","api_token":"tok-123"}`),
	})

	recs := cs.all()
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	rec := recs[0]
	if rec.ID == "" {
		t.Error("id not filled")
	}
	if rec.Time.IsZero() {
		t.Error("time not filled")
	}
	if rec.Backend != "mail" {
		t.Errorf("backend = %q, want mail", rec.Backend)
	}
	if strings.Contains(string(rec.Arguments), "tok-123") {
		t.Errorf("arguments leak the token: %s", rec.Arguments)
	}
	if !strings.Contains(string(rec.Arguments), "alice") {
		t.Errorf("benign argument lost: %s", rec.Arguments)
	}
}

func TestRecordKeepsExplicitFields(t *testing.T) {
	cs := &captureStore{}
	r := NewRecorder(cs)

	when := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r.Record(context.Background(), store.AuditRecord{
		ID:       "fixed-id",
		Time:     when,
		ToolName: "mail/send_email",
		Backend:  "custom",
		Status:   store.AuditDenied,
	})

	rec := cs.all()[0]
	if rec.ID != "fixed-id" || !rec.Time.Equal(when) || rec.Backend != "custom" {
		t.Errorf("explicit fields rewritten: %+v", rec)
	}
}

func TestRecordSwallowsStoreFailure(t *testing.T) {
	cs := &captureStore{err: errors.New("stream unavailable")}
	r := NewRecorder(cs)

	// Must not panic or propagate; the request path stays up.
	r.Record(context.Background(), store.AuditRecord{
		ToolName: "mail/send_email",
		Status:   store.AuditError,
	})

	if got := len(cs.all()); got != 0 {
		t.Errorf("got %d records, want 0", got)
	}
}
