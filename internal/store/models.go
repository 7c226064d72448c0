package store

import (
	"encoding/json"
	"time"
)

// PolicyAction is the outcome a policy entry assigns to a tool.
type PolicyAction string

const (
	ActionAllow           PolicyAction = "allow"
	ActionDeny            PolicyAction = "deny"
	ActionRequireApproval PolicyAction = "require-approval"
)

// ValidPolicyAction reports whether s is one of the three policy actions.
func ValidPolicyAction(s PolicyAction) bool {
	switch s {
	case ActionAllow, ActionDeny, ActionRequireApproval:
		return true
	}
	return false
}

// TaskStatus is a state in the task lifecycle.
type TaskStatus string

const (
	TaskPendingApproval TaskStatus = "pending-approval"
	TaskApprovedQueued  TaskStatus = "approved-queued"
	TaskExecuting       TaskStatus = "executing"
	TaskCompleted       TaskStatus = "completed"
	TaskDenied          TaskStatus = "denied"
	TaskError           TaskStatus = "error"
)

// Terminal reports whether s is a final task state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskDenied, TaskError:
		return true
	}
	return false
}

// Task is a tool invocation deferred for admin approval. RealArgs carry the
// post-anonymization payload dispatched to the backend; OriginalArgs keep
// the caller-facing form for rendering and audit.
type Task struct {
	ID           string          `json:"id"`
	ToolName     string          `json:"toolName"`
	RealArgs     json.RawMessage `json:"realArgs,omitempty"`
	OriginalArgs json.RawMessage `json:"originalArgs,omitempty"`
	Status       TaskStatus      `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	PolicyAction PolicyAction    `json:"policyAction"`
	Message      *MessageRef     `json:"message,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	ApprovedAt   *time.Time      `json:"approvedAt,omitempty"`
	ExecutedAt   *time.Time      `json:"executedAt,omitempty"`
	CheckedAt    *time.Time      `json:"checkedAt,omitempty"`
}

// Grant is a time-bounded override that lets require-approval tools run
// without admin action. Active iff now < ExpiresAt.
type Grant struct {
	ID        string    `json:"id"`
	Pattern   string    `json:"pattern"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Active reports whether the grant is in force at the given instant.
func (g *Grant) Active(now time.Time) bool {
	return now.Before(g.ExpiresAt)
}

// DynamicRule is a persisted, admin-editable policy entry. At most one rule
// exists per pattern.
type DynamicRule struct {
	ID        string       `json:"id"`
	Pattern   string       `json:"pattern"`
	Action    PolicyAction `json:"action"`
	CreatedAt time.Time    `json:"createdAt"`
}

// AdminPairing binds the approval channel to a single admin principal.
// A nil ChatID means the channel is unpaired.
type AdminPairing struct {
	ChatID   *int64     `json:"adminChatId"`
	PairedAt *time.Time `json:"pairedAt,omitempty"`
}

// Paired reports whether an admin has been bound.
func (p *AdminPairing) Paired() bool {
	return p != nil && p.ChatID != nil
}

// Approval is a legacy pending-approval record. Kept only so pre-task state
// directories can be cleaned up; nothing creates these anymore.
type Approval struct {
	ID        string    `json:"id"`
	ToolName  string    `json:"toolName"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Audit record statuses.
const (
	AuditSuccess = "success"
	AuditError   = "error"
	AuditBlocked = "blocked"
	AuditDenied  = "denied"
)

// AuditRecord is one line of the append-only audit stream. Arguments hold
// the caller-facing (still anonymized) payload.
type AuditRecord struct {
	ID             string          `json:"id"`
	Time           time.Time       `json:"time"`
	ToolName       string          `json:"toolName"`
	Backend        string          `json:"backend,omitempty"`
	Arguments      json.RawMessage `json:"arguments,omitempty"`
	Status         string          `json:"status"`
	Error          string          `json:"error,omitempty"`
	ApprovalStatus string          `json:"approvalStatus,omitempty"`
	TaskID         string          `json:"taskId,omitempty"`
	LatencyMS      int64           `json:"latencyMs,omitempty"`
}
