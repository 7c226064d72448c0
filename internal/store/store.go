package store

import "context"

// Store is the composite interface for all durable state. It is the only
// path to disk: no component persists anything outside of it.
type Store interface {
	TaskStore
	GrantStore
	RuleStore
	AdminStore
	ApprovalStore
	AuditStore
	Close() error
}

// TaskStore manages deferred tool invocations.
type TaskStore interface {
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	// UpdateTask applies mutate to the stored task under the collection
	// lock and persists the result. If mutate returns an error nothing is
	// written and the error is returned unchanged.
	UpdateTask(ctx context.Context, id string, mutate func(*Task) error) (*Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]Task, error)
	DeleteTask(ctx context.Context, id string) error
}

// TaskFilter narrows ListTasks. A zero Status matches every status; a
// Limit <= 0 means no limit.
type TaskFilter struct {
	Status TaskStatus
	Limit  int
}

// GrantStore manages time-bounded approval exemptions.
type GrantStore interface {
	CreateGrant(ctx context.Context, g *Grant) error
	GetGrant(ctx context.Context, id string) (*Grant, error)
	ListGrants(ctx context.Context) ([]Grant, error)
	DeleteGrant(ctx context.Context, id string) error
}

// RuleStore manages persisted policy rules. Rules are keyed by pattern:
// upserting an existing pattern replaces its action in place.
type RuleStore interface {
	UpsertRule(ctx context.Context, pattern string, action PolicyAction) (*DynamicRule, error)
	ListRules(ctx context.Context) ([]DynamicRule, error)
	DeleteRule(ctx context.Context, pattern string) error
}

// AdminStore manages the single admin pairing record.
type AdminStore interface {
	GetAdmin(ctx context.Context) (*AdminPairing, error)
	SetAdmin(ctx context.Context, chatID int64) error
}

// ApprovalStore exposes the legacy pending-approval collection. New code
// never writes approvals; the collection exists so old state files can be
// drained by the cleanup loop.
type ApprovalStore interface {
	ListApprovals(ctx context.Context) ([]Approval, error)
	DeleteApproval(ctx context.Context, id string) error
}

// AuditStore appends to and reads back the audit stream.
type AuditStore interface {
	AppendAudit(ctx context.Context, r *AuditRecord) error
	// RecentAudit returns up to limit records, newest first.
	RecentAudit(ctx context.Context, limit int) ([]AuditRecord, error)
}

// MessageRef identifies a message on the approval channel.
type MessageRef struct {
	ChatID    int64 `json:"chatId"`
	MessageID int   `json:"messageId"`
}
