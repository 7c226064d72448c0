// Package approval connects the task lifecycle to a human operator over
// an out-of-band messaging transport. It defines the channel contract the
// pipeline and executor speak, applies admin decisions to pending tasks,
// renders approval requests, and batches activity notices into digests.
package approval

import (
	"context"
	"errors"

	"github.com/porterolabs/portero/internal/store"
)

// Notice statuses carried into the activity digest.
const (
	StatusSuccess   = "success"
	StatusBlocked   = "blocked"
	StatusError     = "error"
	StatusCompleted = "completed"
)

// Notice is one execution event destined for the activity digest.
type Notice struct {
	Status   string
	ToolName string
	Reason   string
}

// Channel is the out-of-band surface where the admin decides tasks and
// receives activity notices.
type Channel interface {
	// RequestApproval presents a pending task to the paired admin with
	// its decision choices and records the message handle on the task.
	RequestApproval(ctx context.Context, t *store.Task) error
	// Notify queues a notice for the next activity digest. It never
	// blocks.
	Notify(n Notice)
}

// ErrDisabled indicates no approval transport is configured.
var ErrDisabled = errors.New("approval channel disabled")

// Disabled is the Channel used when no transport is configured. Approval
// requests fail, which parks the task in error; notices are dropped.
type Disabled struct{}

func (Disabled) RequestApproval(context.Context, *store.Task) error { return ErrDisabled }

func (Disabled) Notify(Notice) {}
