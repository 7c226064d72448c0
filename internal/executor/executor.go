// Package executor drains approved tasks in the background. Approval
// authorizes execution at the moment it is granted: the executor never
// re-checks policy, and a failed dispatch is terminal.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/porterolabs/portero/internal/anonymize"
	"github.com/porterolabs/portero/internal/approval"
	"github.com/porterolabs/portero/internal/audit"
	"github.com/porterolabs/portero/internal/registry"
	"github.com/porterolabs/portero/internal/store"
	"github.com/porterolabs/portero/internal/task"
)

const defaultWorkers = 4

// Notifier receives execution notices for the activity digest.
type Notifier interface {
	Notify(n approval.Notice)
}

// Executor runs approved tasks on a small worker pool. Tasks may execute
// in parallel; backends serialize over their own transports.
type Executor struct {
	tasks    *task.Manager
	router   *registry.Router
	reg      *registry.Registry
	anon     *anonymize.Engine
	audit    *audit.Recorder
	notifier Notifier
	queue    chan string
	workers  int
}

// New creates an Executor. workers <= 0 selects the default pool size.
func New(tasks *task.Manager, router *registry.Router, reg *registry.Registry, anon *anonymize.Engine, rec *audit.Recorder, notifier Notifier, workers int) *Executor {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Executor{
		tasks:    tasks,
		router:   router,
		reg:      reg,
		anon:     anon,
		audit:    rec,
		notifier: notifier,
		queue:    make(chan string, 256),
		workers:  workers,
	}
}

// Enqueue hands an approved task to the pool. It never blocks the
// caller; a full queue overflows into a goroutine.
func (e *Executor) Enqueue(taskID string) {
	select {
	case e.queue <- taskID:
	default:
		go func() { e.queue <- taskID }()
	}
}

// Run re-queues tasks left approved from a previous run, then works the
// queue until ctx is done. In-flight tasks finish on a detached context
// so shutdown does not strand them mid-write.
func (e *Executor) Run(ctx context.Context) error {
	e.recover(ctx)

	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-e.queue:
					e.execute(ctx, id)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

// recover re-enqueues approved-queued tasks and fails tasks a previous
// process died holding in executing.
func (e *Executor) recover(ctx context.Context) {
	queued, err := e.tasks.List(ctx, store.TaskApprovedQueued, 0)
	if err != nil {
		slog.Warn("list queued tasks", "error", err)
	} else {
		for _, t := range queued {
			slog.Info("requeueing approved task", "task", t.ID, "tool", t.ToolName)
			e.Enqueue(t.ID)
		}
	}

	stuck, err := e.tasks.List(ctx, store.TaskExecuting, 0)
	if err != nil {
		slog.Warn("list executing tasks", "error", err)
		return
	}
	for _, t := range stuck {
		slog.Warn("failing task interrupted by restart", "task", t.ID, "tool", t.ToolName)
		if _, err := e.tasks.SetError(ctx, t.ID, "interrupted by restart"); err != nil {
			slog.Warn("mark interrupted task", "task", t.ID, "error", err)
		}
	}
}

func (e *Executor) execute(ctx context.Context, id string) {
	runCtx := context.WithoutCancel(ctx)
	start := time.Now()

	t, err := e.tasks.Transition(runCtx, id, store.TaskExecuting)
	if err != nil {
		slog.Warn("task not executable", "task", id, "error", err)
		return
	}
	slog.Info("executing task", "task", t.ID, "tool", t.ToolName)

	reply, err := e.router.Call(runCtx, t.ToolName, t.RealArgs)
	if err != nil {
		e.fail(runCtx, t, err, start)
		return
	}
	out, err := e.anon.DeanonymizeRaw(reply)
	if err != nil {
		e.fail(runCtx, t, fmt.Errorf("rewrite result: %w", err), start)
		return
	}
	if _, err := e.tasks.SetResult(runCtx, t.ID, out); err != nil {
		e.fail(runCtx, t, fmt.Errorf("persist result: %w", err), start)
		return
	}
	e.reg.MarkUsed(t.ToolName)

	e.audit.Record(runCtx, store.AuditRecord{
		ToolName:       t.ToolName,
		Arguments:      t.OriginalArgs,
		Status:         store.AuditSuccess,
		ApprovalStatus: "approved",
		TaskID:         t.ID,
		LatencyMS:      time.Since(start).Milliseconds(),
	})
	e.notifier.Notify(approval.Notice{Status: approval.StatusCompleted, ToolName: t.ToolName})
	slog.Info("task completed", "task", t.ID, "tool", t.ToolName)
}

func (e *Executor) fail(ctx context.Context, t *store.Task, cause error, start time.Time) {
	slog.Error("task failed", "task", t.ID, "tool", t.ToolName, "error", cause)
	if _, err := e.tasks.SetError(ctx, t.ID, cause.Error()); err != nil {
		slog.Warn("persist task error", "task", t.ID, "error", err)
	}
	e.audit.Record(ctx, store.AuditRecord{
		ToolName:       t.ToolName,
		Arguments:      t.OriginalArgs,
		Status:         store.AuditError,
		Error:          cause.Error(),
		ApprovalStatus: "approved",
		TaskID:         t.ID,
		LatencyMS:      time.Since(start).Milliseconds(),
	})
	e.notifier.Notify(approval.Notice{Status: approval.StatusError, ToolName: t.ToolName, Reason: cause.Error()})
}
