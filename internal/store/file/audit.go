package file

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/porterolabs/portero/internal/store"
)

const auditFile = "audit.jsonl"

// AppendAudit writes one record to the end of the audit stream. The stream
// is the only collection that is not rewritten in place; append keeps it
// cheap and preserves history across rotations done by the operator.
func (s *Store) AppendAudit(ctx context.Context, r *store.AuditRecord) error {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("%w: encode audit record: %v", store.ErrUnavailable, err)
	}

	f, err := os.OpenFile(s.path(auditFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("%w: open audit stream: %v", store.ErrUnavailable, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("%w: append audit record: %v", store.ErrUnavailable, err)
	}
	return nil
}

// RecentAudit returns up to limit records, newest first. Malformed lines
// (for example a partial trailing write) are skipped.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]store.AuditRecord, error) {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	f, err := os.Open(s.path(auditFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open audit stream: %v", store.ErrUnavailable, err)
	}
	defer f.Close()

	var records []store.AuditRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var rec store.AuditRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: read audit stream: %v", store.ErrUnavailable, err)
	}

	// The file is oldest-first; reverse and cap.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}
