package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/porterolabs/portero/internal/store"
	"github.com/porterolabs/portero/internal/task"
)

// Decision is one admin choice on a pending task.
type Decision string

const (
	DecisionApprove     Decision = "approve"
	DecisionDeny        Decision = "deny"
	DecisionGrantShort  Decision = "grant-short"
	DecisionGrantLong   Decision = "grant-long"
	DecisionAlwaysAllow Decision = "always-allow"
	DecisionAlwaysDeny  Decision = "always-deny"
)

// Decisions lists every choice in keyboard order.
var Decisions = []Decision{
	DecisionApprove,
	DecisionDeny,
	DecisionGrantShort,
	DecisionGrantLong,
	DecisionAlwaysAllow,
	DecisionAlwaysDeny,
}

// Grant lifetimes for the approve-with-grant decisions.
const (
	GrantShortTTL = 15 * time.Minute
	GrantLongTTL  = 24 * time.Hour
)

var (
	// ErrUnknownDecision indicates a decision string outside the set.
	ErrUnknownDecision = errors.New("unknown decision")

	// ErrAlreadyDecided indicates a decision for a task that is no
	// longer pending.
	ErrAlreadyDecided = errors.New("task already processed")
)

// ParseDecision validates a decision received off the wire.
func ParseDecision(s string) (Decision, error) {
	d := Decision(s)
	switch d {
	case DecisionApprove, DecisionDeny, DecisionGrantShort,
		DecisionGrantLong, DecisionAlwaysAllow, DecisionAlwaysDeny:
		return d, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDecision, s)
}

// Approves reports whether the decision authorizes execution.
func (d Decision) Approves() bool {
	switch d {
	case DecisionApprove, DecisionGrantShort, DecisionGrantLong, DecisionAlwaysAllow:
		return true
	}
	return false
}

// Label is the button caption shown on the approval keyboard.
func (d Decision) Label() string {
	switch d {
	case DecisionApprove:
		return "Approve"
	case DecisionDeny:
		return "Deny"
	case DecisionGrantShort:
		return "Approve, allow 15m"
	case DecisionGrantLong:
		return "Approve, allow 24h"
	case DecisionAlwaysAllow:
		return "Always allow"
	case DecisionAlwaysDeny:
		return "Always deny"
	}
	return string(d)
}

// Queuer accepts approved tasks for background execution.
type Queuer interface {
	Enqueue(taskID string)
}

// Decider applies admin decisions to pending tasks. The task FSM gates
// concurrent decisions: the first one wins and later ones surface as
// ErrAlreadyDecided. Grant and rule side effects are applied after the
// transition; approved tasks are handed to the executor queue.
type Decider struct {
	tasks  *task.Manager
	grants store.GrantStore
	rules  store.RuleStore
	queue  Queuer
}

// NewDecider creates a Decider over the task manager and the grant and
// rule collections.
func NewDecider(tasks *task.Manager, grants store.GrantStore, rules store.RuleStore, queue Queuer) *Decider {
	return &Decider{tasks: tasks, grants: grants, rules: rules, queue: queue}
}

// Decide resolves a pending task and returns its updated record. A task
// that already left pending-approval yields ErrAlreadyDecided.
func (d *Decider) Decide(ctx context.Context, taskID string, dec Decision) (*store.Task, error) {
	target := store.TaskDenied
	if dec.Approves() {
		target = store.TaskApprovedQueued
	}

	t, err := d.tasks.Transition(ctx, taskID, target)
	if err != nil {
		if errors.Is(err, task.ErrBadTransition) {
			return nil, ErrAlreadyDecided
		}
		return nil, err
	}

	d.applySideEffect(ctx, t, dec)

	if dec.Approves() && d.queue != nil {
		d.queue.Enqueue(t.ID)
	}
	slog.Info("task decided", "task", t.ID, "tool", t.ToolName, "decision", dec)
	return t, nil
}

// applySideEffect creates the grant or rule a decision carries. Failures
// are logged; the decision itself already stands.
func (d *Decider) applySideEffect(ctx context.Context, t *store.Task, dec Decision) {
	switch dec {
	case DecisionGrantShort, DecisionGrantLong:
		ttl := GrantShortTTL
		if dec == DecisionGrantLong {
			ttl = GrantLongTTL
		}
		now := time.Now().UTC()
		g := &store.Grant{
			ID:        uuid.NewString(),
			Pattern:   t.ToolName,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		}
		if err := d.grants.CreateGrant(ctx, g); err != nil {
			slog.Warn("create grant", "tool", t.ToolName, "error", err)
			return
		}
		slog.Info("grant created", "tool", t.ToolName, "expires", g.ExpiresAt)
	case DecisionAlwaysAllow:
		if _, err := d.rules.UpsertRule(ctx, t.ToolName, store.ActionAllow); err != nil {
			slog.Warn("upsert allow rule", "tool", t.ToolName, "error", err)
		}
	case DecisionAlwaysDeny:
		if _, err := d.rules.UpsertRule(ctx, t.ToolName, store.ActionDeny); err != nil {
			slog.Warn("upsert deny rule", "tool", t.ToolName, "error", err)
		}
	}
}

// Restrict downgrades a tool to require-approval via a dynamic rule. Used
// by the digest quick actions.
func (d *Decider) Restrict(ctx context.Context, toolName string) error {
	_, err := d.rules.UpsertRule(ctx, toolName, store.ActionRequireApproval)
	return err
}

// Block denies a tool outright via a dynamic rule.
func (d *Decider) Block(ctx context.Context, toolName string) error {
	_, err := d.rules.UpsertRule(ctx, toolName, store.ActionDeny)
	return err
}
