package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/porterolabs/portero/internal/approval"
	"github.com/porterolabs/portero/internal/policy"
	"github.com/porterolabs/portero/internal/registry"
	"github.com/porterolabs/portero/internal/store"
)

// pendingPayload is the caller-facing body of a parked tools/call. It is
// serialized into the text content of the reply.
type pendingPayload struct {
	Status   string `json:"status"`
	TaskID   string `json:"taskId"`
	ToolName string `json:"toolName"`
	Message  string `json:"message,omitempty"`
}

// callTool mediates one backend tool invocation: rewrite the arguments
// inbound, resolve policy, park or dispatch, rewrite the reply outbound.
// It never blocks waiting for a human decision.
func (h *handler) callTool(
	ctx context.Context, name string, args json.RawMessage,
) (json.RawMessage, *RPCError) {
	start := time.Now()

	realArgs, err := h.anon.AnonymizeRaw(args)
	if err != nil {
		return nil, &RPCError{
			Code:    CodeInternalError,
			Message: fmt.Sprintf("rewrite arguments: %v", err),
		}
	}

	decision, err := h.policy.Resolve(ctx, name)
	if err != nil {
		return nil, &RPCError{
			Code:    CodeInternalError,
			Message: fmt.Sprintf("resolve policy: %v", err),
		}
	}

	grant, err := h.policy.ActiveGrant(ctx, name, start)
	if err != nil {
		return nil, &RPCError{
			Code:    CodeInternalError,
			Message: fmt.Sprintf("check grants: %v", err),
		}
	}

	switch {
	case decision.Action == store.ActionDeny:
		return nil, h.deny(ctx, name, args, decision, start)

	case decision.Action == store.ActionRequireApproval && grant == nil:
		return h.park(ctx, name, realArgs, args, decision)
	}

	if grant != nil && decision.Action == store.ActionRequireApproval {
		slog.Info("grant short-circuits approval", "tool", name, "grant", grant.ID, "pattern", grant.Pattern)
	}
	return h.dispatch(ctx, name, realArgs, args, start)
}

// deny audits and notifies a policy rejection, then builds the caller error.
func (h *handler) deny(
	ctx context.Context, name string, originalArgs json.RawMessage,
	decision policy.Decision, start time.Time,
) *RPCError {
	reason := fmt.Sprintf("%v (%s)", policy.ErrDenied, decision.Source)
	h.audit.Record(ctx, store.AuditRecord{
		ToolName:  name,
		Arguments: originalArgs,
		Status:    store.AuditDenied,
		Error:     reason,
		LatencyMS: time.Since(start).Milliseconds(),
	})
	h.channel.Notify(approval.Notice{Status: approval.StatusBlocked, ToolName: name, Reason: reason})
	slog.Info("tool call denied", "tool", name, "source", decision.Source, "pattern", decision.Pattern)
	return &RPCError{
		Code:    CodePolicyDeny,
		Message: fmt.Sprintf("%s: %v", name, policy.ErrDenied),
	}
}

// park creates a pending task and requests admin approval. The reply is
// the pending envelope either way: when the approval send fails the task
// is moved to error and the envelope says so, the caller polls
// portero/check_task for the outcome.
func (h *handler) park(
	ctx context.Context, name string, realArgs, originalArgs json.RawMessage,
	decision policy.Decision,
) (json.RawMessage, *RPCError) {
	t, err := h.tasks.Create(ctx, name, realArgs, originalArgs, decision.Action)
	if err != nil {
		return nil, &RPCError{
			Code:    CodeInternalError,
			Message: fmt.Sprintf("create task: %v", err),
		}
	}
	slog.Info("tool call parked for approval", "task", t.ID, "tool", name)

	if err := h.channel.RequestApproval(ctx, t); err != nil {
		slog.Warn("approval request failed", "task", t.ID, "error", err)
		if _, serr := h.tasks.SetError(ctx, t.ID, fmt.Sprintf("approval request failed: %v", err)); serr != nil {
			slog.Warn("mark task error", "task", t.ID, "error", serr)
		}
		return pendingReply(pendingPayload{
			Status:   string(store.TaskError),
			TaskID:   t.ID,
			ToolName: name,
			Message:  "approval request could not be delivered; check the task for details",
		})
	}

	return pendingReply(pendingPayload{
		Status:   string(store.TaskPendingApproval),
		TaskID:   t.ID,
		ToolName: name,
		Message:  "approval requested; poll portero/check_task with this taskId",
	})
}

// dispatch routes the call to its backend and rewrites the reply outbound.
func (h *handler) dispatch(
	ctx context.Context, name string, realArgs, originalArgs json.RawMessage,
	start time.Time,
) (json.RawMessage, *RPCError) {
	reply, err := h.router.Call(ctx, name, realArgs)
	if err != nil {
		return nil, h.dispatchError(ctx, name, originalArgs, err, start)
	}
	out, err := h.anon.DeanonymizeRaw(reply)
	if err != nil {
		return nil, h.dispatchError(ctx, name, originalArgs, fmt.Errorf("rewrite result: %w", err), start)
	}

	h.reg.MarkUsed(name)
	h.audit.Record(ctx, store.AuditRecord{
		ToolName:  name,
		Arguments: originalArgs,
		Status:    store.AuditSuccess,
		LatencyMS: time.Since(start).Milliseconds(),
	})
	h.channel.Notify(approval.Notice{Status: approval.StatusSuccess, ToolName: name})
	return out, nil
}

func (h *handler) dispatchError(
	ctx context.Context, name string, originalArgs json.RawMessage,
	err error, start time.Time,
) *RPCError {
	h.audit.Record(ctx, store.AuditRecord{
		ToolName:  name,
		Arguments: originalArgs,
		Status:    store.AuditError,
		Error:     err.Error(),
		LatencyMS: time.Since(start).Milliseconds(),
	})
	h.channel.Notify(approval.Notice{Status: approval.StatusError, ToolName: name, Reason: err.Error()})
	slog.Error("tool call failed", "tool", name, "error", err)

	switch {
	case errors.Is(err, registry.ErrMalformedName):
		return &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	case errors.Is(err, registry.ErrUnknownBackend):
		return &RPCError{Code: CodeUnknownTool, Message: err.Error()}
	default:
		return &RPCError{Code: CodeProcessError, Message: fmt.Sprintf("dispatch: %v", err)}
	}
}

func pendingReply(p pendingPayload) (json.RawMessage, *RPCError) {
	text, err := json.Marshal(p)
	if err != nil {
		return nil, &RPCError{Code: CodeInternalError, Message: err.Error()}
	}
	return marshalToolResult(string(text)), nil
}
