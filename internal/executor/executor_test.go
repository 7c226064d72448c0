package executor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/porterolabs/portero/internal/anonymize"
	"github.com/porterolabs/portero/internal/approval"
	"github.com/porterolabs/portero/internal/audit"
	"github.com/porterolabs/portero/internal/backend"
	"github.com/porterolabs/portero/internal/registry"
	"github.com/porterolabs/portero/internal/store"
	"github.com/porterolabs/portero/internal/store/file"
	"github.com/porterolabs/portero/internal/task"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	names []string
	args  []string
	reply json.RawMessage
	err   error
}

func (f *fakeDispatcher) ListTools(ctx context.Context) ([]backend.Tool, error) { return nil, nil }

func (f *fakeDispatcher) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	f.names = append(f.names, name)
	f.args = append(f.args, string(args))
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

func (f *fakeDispatcher) ListResources(ctx context.Context) ([]backend.Resource, error) {
	return nil, nil
}

func (f *fakeDispatcher) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	return nil, nil
}

func (f *fakeDispatcher) Close() error { return nil }

func (f *fakeDispatcher) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.names...)
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []approval.Notice
}

func (f *fakeNotifier) Notify(n approval.Notice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, n)
}

func (f *fakeNotifier) last(t *testing.T) approval.Notice {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.notices) == 0 {
		t.Fatal("no notices recorded")
	}
	return f.notices[len(f.notices)-1]
}

type fixture struct {
	exec     *Executor
	tasks    *task.Manager
	store    *file.Store
	reg      *registry.Registry
	disp     *fakeDispatcher
	notifier *fakeNotifier
}

func newFixture(t *testing.T, disp *fakeDispatcher, rules []anonymize.Rule) *fixture {
	t.Helper()
	s, err := file.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	anon, err := anonymize.New(rules)
	if err != nil {
		t.Fatalf("anonymize: %v", err)
	}
	reg := registry.New()
	reg.Add(&registry.Backend{Name: "mail", Dispatcher: disp})
	tasks := task.NewManager(s)
	notifier := &fakeNotifier{}
	exec := New(tasks, registry.NewRouter(reg), reg, anon, audit.NewRecorder(s), notifier, 2)
	return &fixture{exec: exec, tasks: tasks, store: s, reg: reg, disp: disp, notifier: notifier}
}

func (fx *fixture) queuedTask(t *testing.T, tool string) *store.Task {
	t.Helper()
	ctx := context.Background()
	tk, err := fx.tasks.Create(ctx, tool, []byte(`{"to":"Alice Carter"}`), []byte(`{"to":"agent-x"}`), store.ActionRequireApproval)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := fx.tasks.Transition(ctx, tk.ID, store.TaskApprovedQueued); err != nil {
		t.Fatalf("queue task: %v", err)
	}
	return tk
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestExecuteCompletesAndRewritesResult(t *testing.T) {
	disp := &fakeDispatcher{reply: json.RawMessage(`{"content":[{"type":"text","text":"sent to Alice Carter"}]}`)}
	fx := newFixture(t, disp, []anonymize.Rule{{Fake: "agent-x", Real: "Alice Carter", Bidirectional: true}})
	ctx := context.Background()
	tk := fx.queuedTask(t, "mail/send_email")

	fx.exec.execute(ctx, tk.ID)

	got, err := fx.tasks.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.TaskCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if !strings.Contains(string(got.Result), "agent-x") {
		t.Fatalf("result %s should carry the pseudonym", got.Result)
	}
	if strings.Contains(string(got.Result), "Alice Carter") {
		t.Fatalf("result %s leaks the real value", got.Result)
	}
	if got.ExecutedAt == nil {
		t.Fatal("executedAt not stamped")
	}

	if calls := disp.calls(); len(calls) != 1 || calls[0] != "send_email" {
		t.Fatalf("dispatcher calls = %v, want [send_email]", calls)
	}
	if !strings.Contains(disp.args[0], "Alice Carter") {
		t.Fatalf("backend args %s should carry the real value", disp.args[0])
	}

	recs, err := fx.store.RecentAudit(ctx, 5)
	if err != nil {
		t.Fatalf("recent audit: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("audit records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Status != store.AuditSuccess || rec.ApprovalStatus != "approved" || rec.TaskID != tk.ID {
		t.Fatalf("audit record = %+v", rec)
	}
	if rec.Backend != "mail" {
		t.Fatalf("audit backend = %q, want mail", rec.Backend)
	}

	if n := fx.notifier.last(t); n.Status != approval.StatusCompleted || n.ToolName != "mail/send_email" {
		t.Fatalf("notice = %+v", n)
	}
	if !fx.reg.RecentlyUsed("mail/send_email") {
		t.Fatal("tool not marked recently used")
	}
}

func TestExecuteDispatchFailureIsTerminal(t *testing.T) {
	disp := &fakeDispatcher{err: errors.New("backend exploded")}
	fx := newFixture(t, disp, nil)
	ctx := context.Background()
	tk := fx.queuedTask(t, "mail/send_email")

	fx.exec.execute(ctx, tk.ID)

	got, err := fx.tasks.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.TaskError {
		t.Fatalf("status = %q, want error", got.Status)
	}
	if !strings.Contains(got.Error, "backend exploded") {
		t.Fatalf("task error = %q", got.Error)
	}

	recs, err := fx.store.RecentAudit(ctx, 5)
	if err != nil {
		t.Fatalf("recent audit: %v", err)
	}
	if len(recs) != 1 || recs[0].Status != store.AuditError {
		t.Fatalf("audit records = %+v", recs)
	}
	if n := fx.notifier.last(t); n.Status != approval.StatusError || !strings.Contains(n.Reason, "backend exploded") {
		t.Fatalf("notice = %+v", n)
	}
}

func TestExecuteIgnoresUndecidedTask(t *testing.T) {
	disp := &fakeDispatcher{reply: json.RawMessage(`{}`)}
	fx := newFixture(t, disp, nil)
	ctx := context.Background()
	tk, err := fx.tasks.Create(ctx, "mail/send_email", []byte(`{}`), []byte(`{}`), store.ActionRequireApproval)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	fx.exec.execute(ctx, tk.ID)

	got, _ := fx.tasks.Get(ctx, tk.ID)
	if got.Status != store.TaskPendingApproval {
		t.Fatalf("status = %q, want pending-approval", got.Status)
	}
	if len(disp.calls()) != 0 {
		t.Fatal("dispatcher must not run for an undecided task")
	}
}

func TestRunDrainsQueuedAndFailsInterrupted(t *testing.T) {
	disp := &fakeDispatcher{reply: json.RawMessage(`{"ok":true}`)}
	fx := newFixture(t, disp, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queued := []*store.Task{
		fx.queuedTask(t, "mail/send_email"),
		fx.queuedTask(t, "mail/send_email"),
		fx.queuedTask(t, "mail/send_email"),
	}
	stuck := fx.queuedTask(t, "mail/send_email")
	if _, err := fx.tasks.Transition(context.Background(), stuck.ID, store.TaskExecuting); err != nil {
		t.Fatalf("stage interrupted task: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- fx.exec.Run(ctx) }()

	waitFor(t, func() bool {
		for _, tk := range queued {
			got, err := fx.tasks.Get(context.Background(), tk.ID)
			if err != nil || got.Status != store.TaskCompleted {
				return false
			}
		}
		return true
	})

	got, err := fx.tasks.Get(context.Background(), stuck.ID)
	if err != nil {
		t.Fatalf("get interrupted task: %v", err)
	}
	if got.Status != store.TaskError || !strings.Contains(got.Error, "interrupted") {
		t.Fatalf("interrupted task = %q %q", got.Status, got.Error)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestEnqueueDoesNotBlockWhenFull(t *testing.T) {
	fx := newFixture(t, &fakeDispatcher{reply: json.RawMessage(`{}`)}, nil)
	fx.exec.queue = make(chan string, 1)

	finished := make(chan struct{})
	go func() {
		fx.exec.Enqueue("a")
		fx.exec.Enqueue("b")
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}
}
