// Package audit records every terminal pipeline outcome to the store's
// append-only stream.
package audit

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/porterolabs/portero/internal/store"
)

// Recorder writes audit records. Failures are logged and swallowed: a
// broken audit stream must not take the request path down with it.
type Recorder struct {
	store store.AuditStore
}

// NewRecorder creates a Recorder over the given stream.
func NewRecorder(s store.AuditStore) *Recorder {
	return &Recorder{store: s}
}

// Record fills in id, timestamp, and backend namespace if absent, redacts
// credential-shaped argument keys, then appends the record.
func (r *Recorder) Record(ctx context.Context, rec store.AuditRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	if rec.Backend == "" {
		if backend, _, ok := strings.Cut(rec.ToolName, "/"); ok {
			rec.Backend = backend
		}
	}
	rec.Arguments = Redact(rec.Arguments)
	if err := r.store.AppendAudit(ctx, &rec); err != nil {
		slog.Warn("audit record dropped", "tool", rec.ToolName, "status", rec.Status, "error", err)
	}
}
