// Package task enforces the lifecycle of deferred tool invocations.
//
// A task starts in pending-approval and moves through the state machine
// below; no other transition is permitted and a disallowed one is a
// programming error surfaced as ErrBadTransition.
//
//	pending-approval ── approve ──▶ approved-queued ── dispatch ──▶ executing ── success ──▶ completed
//	       │                                                            │
//	       ├── deny ──▶ denied                                          └── failure ──▶ error
//	       └── send-failure ──▶ error
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/porterolabs/portero/internal/store"
)

// ErrBadTransition indicates a state change the FSM does not permit.
var ErrBadTransition = errors.New("illegal task transition")

// transitions lists the permitted successor states per state. Terminal
// states have no successors.
var transitions = map[store.TaskStatus][]store.TaskStatus{
	store.TaskPendingApproval: {store.TaskApprovedQueued, store.TaskDenied, store.TaskError},
	store.TaskApprovedQueued:  {store.TaskExecuting, store.TaskError},
	store.TaskExecuting:       {store.TaskCompleted, store.TaskError},
}

func canTransition(from, to store.TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Manager is the stateful facade over the tasks collection. All status
// checks run inside the store's read-modify-write cycle, so concurrent
// decisions on the same task serialize and the first one wins.
type Manager struct {
	store store.TaskStore
}

// NewManager creates a Manager over the given task store.
func NewManager(s store.TaskStore) *Manager {
	return &Manager{store: s}
}

// Create persists a new task in pending-approval.
func (m *Manager) Create(ctx context.Context, toolName string, realArgs, originalArgs []byte, action store.PolicyAction) (*store.Task, error) {
	t := &store.Task{
		ID:           uuid.NewString(),
		ToolName:     toolName,
		RealArgs:     realArgs,
		OriginalArgs: originalArgs,
		Status:       store.TaskPendingApproval,
		PolicyAction: action,
		CreatedAt:    time.Now().UTC(),
	}
	if err := m.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

// Transition moves a task to target if the FSM permits it. Entering
// approved-queued stamps approvedAt; entering executing stamps executedAt.
func (m *Manager) Transition(ctx context.Context, id string, target store.TaskStatus) (*store.Task, error) {
	return m.store.UpdateTask(ctx, id, func(t *store.Task) error {
		if !canTransition(t.Status, target) {
			return fmt.Errorf("task %s: %s -> %s: %w", id, t.Status, target, ErrBadTransition)
		}
		now := time.Now().UTC()
		t.Status = target
		switch target {
		case store.TaskApprovedQueued:
			t.ApprovedAt = &now
		case store.TaskExecuting, store.TaskCompleted:
			t.ExecutedAt = &now
		}
		return nil
	})
}

// SetResult completes a task with its final payload. Permitted from
// executing and, for callers that skip the explicit dispatch transition,
// from approved-queued.
func (m *Manager) SetResult(ctx context.Context, id string, result []byte) (*store.Task, error) {
	return m.store.UpdateTask(ctx, id, func(t *store.Task) error {
		if t.Status != store.TaskExecuting && t.Status != store.TaskApprovedQueued {
			return fmt.Errorf("task %s: set result in %s: %w", id, t.Status, ErrBadTransition)
		}
		now := time.Now().UTC()
		t.Status = store.TaskCompleted
		t.Result = result
		t.ExecutedAt = &now
		return nil
	})
}

// SetError moves any non-terminal task to error with a message.
func (m *Manager) SetError(ctx context.Context, id, msg string) (*store.Task, error) {
	return m.store.UpdateTask(ctx, id, func(t *store.Task) error {
		if t.Status.Terminal() {
			return fmt.Errorf("task %s: set error in %s: %w", id, t.Status, ErrBadTransition)
		}
		now := time.Now().UTC()
		t.Status = store.TaskError
		t.Error = msg
		t.ExecutedAt = &now
		return nil
	})
}

// SetMessage records the approval-channel message handle on a task.
func (m *Manager) SetMessage(ctx context.Context, id string, ref store.MessageRef) (*store.Task, error) {
	return m.store.UpdateTask(ctx, id, func(t *store.Task) error {
		t.Message = &ref
		return nil
	})
}

// MarkChecked stamps checkedAt. Observability only; it never gates state.
func (m *Manager) MarkChecked(ctx context.Context, id string) (*store.Task, error) {
	return m.store.UpdateTask(ctx, id, func(t *store.Task) error {
		now := time.Now().UTC()
		t.CheckedAt = &now
		return nil
	})
}

// Get returns a task by id.
func (m *Manager) Get(ctx context.Context, id string) (*store.Task, error) {
	return m.store.GetTask(ctx, id)
}

// List returns tasks newest-first, optionally narrowed by status.
func (m *Manager) List(ctx context.Context, status store.TaskStatus, limit int) ([]store.Task, error) {
	return m.store.ListTasks(ctx, store.TaskFilter{Status: status, Limit: limit})
}
