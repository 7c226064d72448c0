package file_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/porterolabs/portero/internal/store"
	"github.com/porterolabs/portero/internal/store/file"
)

func newTestStore(t *testing.T) *file.Store {
	t.Helper()
	s, err := file.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTask(id string) *store.Task {
	return &store.Task{
		ID:           id,
		ToolName:     "github/create_issue",
		RealArgs:     json.RawMessage(`{"title":"real"}`),
		OriginalArgs: json.RawMessage(`{"title":"fake"}`),
		Status:       store.TaskPendingApproval,
		PolicyAction: store.ActionRequireApproval,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestTaskCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Create.
	if err := s.CreateTask(ctx, newTask("t1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateTask(ctx, newTask("t1")); !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("duplicate create = %v, want ErrAlreadyExists", err)
	}

	// Get.
	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ToolName != "github/create_issue" {
		t.Fatalf("toolName = %q", got.ToolName)
	}
	if _, err := s.GetTask(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("get missing = %v, want ErrNotFound", err)
	}

	// Update via mutator.
	updated, err := s.UpdateTask(ctx, "t1", func(task *store.Task) error {
		task.Status = store.TaskDenied
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != store.TaskDenied {
		t.Fatalf("status = %q, want denied", updated.Status)
	}
	got, _ = s.GetTask(ctx, "t1")
	if got.Status != store.TaskDenied {
		t.Fatalf("persisted status = %q, want denied", got.Status)
	}

	// A failing mutator writes nothing.
	sentinel := errors.New("boom")
	if _, err := s.UpdateTask(ctx, "t1", func(*store.Task) error { return sentinel }); !errors.Is(err, sentinel) {
		t.Fatalf("mutator error = %v, want sentinel", err)
	}
	got, _ = s.GetTask(ctx, "t1")
	if got.Status != store.TaskDenied {
		t.Fatalf("status changed despite mutator error: %q", got.Status)
	}

	// Delete.
	if err := s.DeleteTask(ctx, "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetTask(ctx, "t1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("get after delete = %v, want ErrNotFound", err)
	}
}

func TestTaskListNewestFirstAndFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3"} {
		if err := s.CreateTask(ctx, newTask(id)); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if _, err := s.UpdateTask(ctx, "t2", func(task *store.Task) error {
		task.Status = store.TaskCompleted
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	all, err := s.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	if all[0].ID != "t3" || all[2].ID != "t1" {
		t.Fatalf("order = %s,%s,%s, want newest first", all[0].ID, all[1].ID, all[2].ID)
	}

	pending, err := s.ListTasks(ctx, store.TaskFilter{Status: store.TaskPendingApproval})
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending len = %d, want 2", len(pending))
	}

	capped, err := s.ListTasks(ctx, store.TaskFilter{Limit: 1})
	if err != nil {
		t.Fatalf("list capped: %v", err)
	}
	if len(capped) != 1 || capped[0].ID != "t3" {
		t.Fatalf("capped = %+v, want just t3", capped)
	}
}

func TestMissingFilesReturnEmptyShapes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tasks, err := s.ListTasks(ctx, store.TaskFilter{})
	if err != nil || len(tasks) != 0 {
		t.Fatalf("tasks = %v, %v; want empty, nil", tasks, err)
	}
	grants, err := s.ListGrants(ctx)
	if err != nil || len(grants) != 0 {
		t.Fatalf("grants = %v, %v; want empty, nil", grants, err)
	}
	rules, err := s.ListRules(ctx)
	if err != nil || len(rules) != 0 {
		t.Fatalf("rules = %v, %v; want empty, nil", rules, err)
	}
	admin, err := s.GetAdmin(ctx)
	if err != nil {
		t.Fatalf("admin: %v", err)
	}
	if admin.Paired() {
		t.Fatal("fresh store reports paired admin")
	}
	recs, err := s.RecentAudit(ctx, 10)
	if err != nil || len(recs) != 0 {
		t.Fatalf("audit = %v, %v; want empty, nil", recs, err)
	}
}

func TestGrantRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	g := &store.Grant{
		ID:        "g1",
		Pattern:   "github/*",
		CreatedAt: now,
		ExpiresAt: now.Add(15 * time.Minute),
	}
	if err := s.CreateGrant(ctx, g); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.GetGrant(ctx, "g1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Pattern != "github/*" {
		t.Fatalf("pattern = %q", got.Pattern)
	}
	if err := s.DeleteGrant(ctx, "g1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetGrant(ctx, "g1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("get after delete = %v, want ErrNotFound", err)
	}
}

func TestRuleUpsertKeepsOnePerPattern(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertRule(ctx, "x/*", store.ActionAllow)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.UpsertRule(ctx, "y/**", store.ActionDeny); err != nil {
		t.Fatalf("upsert second: %v", err)
	}
	second, err := s.UpsertRule(ctx, "x/*", store.ActionDeny)
	if err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("re-upsert kept the old rule id")
	}

	rules, err := s.ListRules(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("len = %d, want 2", len(rules))
	}
	if rules[0].Pattern != "x/*" || rules[0].Action != store.ActionDeny {
		t.Fatalf("head rule = %+v, want refreshed x/* deny", rules[0])
	}

	if _, err := s.UpsertRule(ctx, "x/*", "maybe"); err == nil {
		t.Fatal("invalid action accepted")
	}

	if err := s.DeleteRule(ctx, "x/*"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteRule(ctx, "x/*"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("delete missing = %v, want ErrNotFound", err)
	}
}

func TestAdminPairing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetAdmin(ctx, 42); err != nil {
		t.Fatalf("set: %v", err)
	}
	admin, err := s.GetAdmin(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !admin.Paired() || *admin.ChatID != 42 {
		t.Fatalf("admin = %+v, want chat 42", admin)
	}
}

func TestAuditAppendAndRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a1", "a2", "a3"} {
		rec := &store.AuditRecord{
			ID:       id,
			Time:     time.Now().UTC(),
			ToolName: "filesystem/read_file",
			Status:   store.AuditSuccess,
		}
		if err := s.AppendAudit(ctx, rec); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}

	recs, err := s.RecentAudit(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("len = %d, want 2", len(recs))
	}
	if recs[0].ID != "a3" || recs[1].ID != "a2" {
		t.Fatalf("order = %s,%s, want a3,a2", recs[0].ID, recs[1].ID)
	}
}

func TestAtomicWriteSurvivesCrashRemnant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateTask(ctx, newTask("t1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Simulate a crash after the temp file was written but before the
	// rename: the stray temp file must not affect reads.
	stray := filepath.Join(s.Dir(), ".tmp-crash")
	if err := os.WriteFile(stray, []byte(`{"tasks":[{"id":"ghost"}]}`), 0o600); err != nil {
		t.Fatalf("write stray temp: %v", err)
	}

	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != "t1" {
		t.Fatalf("id = %q", got.ID)
	}
	if _, err := s.GetTask(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("ghost task visible: %v", err)
	}

	// Committed writes leave no temp files behind.
	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != ".tmp-crash" && strings.HasPrefix(e.Name(), ".tmp-") {
			t.Fatalf("leftover temp file %s", e.Name())
		}
	}
}

func TestLegacyApprovalsReadable(t *testing.T) {
	dir := t.TempDir()
	legacy := `{"approvals":[{"id":"ap1","toolName":"x/y","createdAt":"2026-01-01T00:00:00Z","expiresAt":"2026-01-01T01:00:00Z"}]}`
	if err := os.WriteFile(filepath.Join(dir, "approvals.json"), []byte(legacy), 0o600); err != nil {
		t.Fatalf("seed legacy file: %v", err)
	}
	s, err := file.Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()

	approvals, err := s.ListApprovals(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(approvals) != 1 || approvals[0].ID != "ap1" {
		t.Fatalf("approvals = %+v", approvals)
	}
	if err := s.DeleteApproval(ctx, "ap1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	approvals, _ = s.ListApprovals(ctx)
	if len(approvals) != 0 {
		t.Fatalf("approvals after delete = %+v", approvals)
	}
}
