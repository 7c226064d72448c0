package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/porterolabs/portero/internal/registry"
	"github.com/porterolabs/portero/internal/store"
)

// Virtual tools are served by the gateway itself and are always present
// in tools/list, ahead of the aggregated catalog.
const (
	virtualPrefix   = "portero/"
	toolSearchTools = "portero/search_tools"
	toolCall        = "portero/call"
	toolCheckTask   = "portero/check_task"
	toolListTasks   = "portero/list_tasks"
)

const (
	listTasksDefault = 20
	listTasksCap     = 100
)

var virtualTools = []Tool{
	{
		Name:        toolSearchTools,
		Description: "Search the full tool catalog across all backends, including tools hidden from the default listing. Returns matching tool names and descriptions.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {
					"type": "string",
					"description": "Substring to match against tool names and descriptions"
				},
				"category": {
					"type": "string",
					"description": "Category keyword such as filesystem, email, calendar, github, stripe"
				}
			}
		}`),
	},
	{
		Name:        toolCall,
		Description: "Invoke any catalog tool by its full namespaced name, including tools hidden from the default listing.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"tool": {
					"type": "string",
					"description": "Full tool name, e.g. filesystem/read_file"
				},
				"args": {
					"type": "object",
					"description": "Arguments forwarded to the tool"
				}
			},
			"required": ["tool"]
		}`),
	},
	{
		Name:        toolCheckTask,
		Description: "Check an approval task. Returns the stored tool result once the task completed, otherwise its current status.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"task_id": {
					"type": "string",
					"description": "Task id returned by a pending-approval reply"
				}
			},
			"required": ["task_id"]
		}`),
	},
	{
		Name:        toolListTasks,
		Description: "List approval tasks, newest first, optionally narrowed by status (pending-approval, approved-queued, executing, completed, denied, error).",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"status": {
					"type": "string",
					"description": "Only list tasks in this status"
				},
				"limit": {
					"type": "integer",
					"description": "Maximum number of tasks to return (default 20, cap 100)"
				}
			}
		}`),
	},
}

func virtualToolDefinitions() []Tool { return virtualTools }

// isVirtualTool reserves the whole portero/ namespace.
func isVirtualTool(name string) bool { return strings.HasPrefix(name, virtualPrefix) }

func (h *handler) handleVirtualCall(
	ctx context.Context, req CallToolRequest,
) (json.RawMessage, *RPCError) {
	switch req.Name {
	case toolSearchTools:
		return h.handleSearchTools(ctx, req.Arguments)
	case toolCall:
		return h.handleDelegateCall(ctx, req.Arguments)
	case toolCheckTask:
		return h.handleCheckTask(ctx, req.Arguments)
	case toolListTasks:
		return h.handleListTasks(ctx, req.Arguments)
	default:
		return nil, &RPCError{
			Code:    CodeUnknownTool,
			Message: fmt.Sprintf("unknown virtual tool: %s", req.Name),
		}
	}
}

// searchCategories maps a category keyword to the terms it expands to.
// Unknown categories fall through to a literal substring match.
var searchCategories = map[string][]string{
	"filesystem": {"file", "directory", "path", "folder"},
	"google":     {"google", "gmail", "calendar", "drive", "sheets", "docs"},
	"gmail":      {"gmail", "email", "mail", "draft"},
	"email":      {"email", "mail", "draft", "send"},
	"calendar":   {"calendar", "event", "meeting", "schedule"},
	"drive":      {"drive", "folder", "upload", "download"},
	"stripe":     {"stripe", "payment", "charge", "customer", "invoice", "refund"},
	"payment":    {"payment", "charge", "invoice", "refund", "subscription"},
	"github":     {"github", "repository", "repo", "pull request", "issue", "branch"},
	"slack":      {"slack", "channel", "message"},
	"notion":     {"notion", "page", "database", "block"},
	"database":   {"database", "query", "table", "record", "collection"},
	"browser":    {"browser", "navigate", "screenshot", "click"},
	"search":     {"search", "find", "lookup"},
}

type searchMatch struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (h *handler) handleSearchTools(
	ctx context.Context, arguments json.RawMessage,
) (json.RawMessage, *RPCError) {
	var args struct {
		Query    string `json:"query"`
		Category string `json:"category"`
	}
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &args); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
		}
	}

	catalog, err := h.agg.All(ctx)
	if err != nil {
		return nil, &RPCError{
			Code:    CodeInternalError,
			Message: fmt.Sprintf("search tools: %v", err),
		}
	}

	query := strings.ToLower(strings.TrimSpace(args.Query))
	category := strings.ToLower(strings.TrimSpace(args.Category))

	matches := make([]searchMatch, 0)
	for _, t := range catalog {
		if query != "" && !matchesQuery(t, query) {
			continue
		}
		if category != "" && !matchesCategory(t, category) {
			continue
		}
		matches = append(matches, searchMatch{Name: t.Name, Description: t.Description})
	}

	reply := struct {
		Count int           `json:"count"`
		Tools []searchMatch `json:"tools"`
	}{Count: len(matches), Tools: matches}

	text, merr := json.Marshal(reply)
	if merr != nil {
		return nil, &RPCError{Code: CodeInternalError, Message: merr.Error()}
	}
	return marshalToolResult(string(text)), nil
}

// matchesQuery checks name and description case-insensitively.
func matchesQuery(t registry.Tool, queryLower string) bool {
	return strings.Contains(strings.ToLower(t.Name), queryLower) ||
		strings.Contains(strings.ToLower(t.Description), queryLower)
}

func matchesCategory(t registry.Tool, category string) bool {
	keywords, ok := searchCategories[category]
	if !ok {
		return matchesQuery(t, category)
	}
	for _, kw := range keywords {
		if matchesQuery(t, kw) {
			return true
		}
	}
	return false
}

// handleDelegateCall runs a tool through the same pipeline as a direct
// tools/call. Virtual targets are rejected, the delegate cannot recurse.
func (h *handler) handleDelegateCall(
	ctx context.Context, arguments json.RawMessage,
) (json.RawMessage, *RPCError) {
	var args struct {
		Tool string          `json:"tool"`
		Args json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	}
	if args.Tool == "" {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "tool is required"}
	}
	if isVirtualTool(args.Tool) {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "cannot delegate to a virtual tool"}
	}
	return h.callTool(ctx, args.Tool, args.Args)
}

func (h *handler) handleCheckTask(
	ctx context.Context, arguments json.RawMessage,
) (json.RawMessage, *RPCError) {
	var args struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	}
	if args.TaskID == "" {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "task_id is required"}
	}

	t, err := h.tasks.Get(ctx, args.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return marshalJSONResult(map[string]string{
			"status": "not-found",
			"taskId": args.TaskID,
		})
	}
	if err != nil {
		return nil, &RPCError{
			Code:    CodeInternalError,
			Message: fmt.Sprintf("get task: %v", err),
		}
	}

	if t.Status.Terminal() {
		if _, err := h.tasks.MarkChecked(ctx, t.ID); err != nil {
			slog.Warn("mark task checked", "task", t.ID, "error", err)
		}
	}

	// A completed task answers with the stored backend reply itself.
	if t.Status == store.TaskCompleted {
		return t.Result, nil
	}

	payload := map[string]string{
		"status":   string(t.Status),
		"taskId":   t.ID,
		"toolName": t.ToolName,
	}
	if t.Error != "" {
		payload["error"] = t.Error
	}
	return marshalJSONResult(payload)
}

type taskSummary struct {
	TaskID    string `json:"taskId"`
	ToolName  string `json:"toolName"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt"`
	Error     string `json:"error,omitempty"`
}

func (h *handler) handleListTasks(
	ctx context.Context, arguments json.RawMessage,
) (json.RawMessage, *RPCError) {
	var args struct {
		Status string `json:"status"`
		Limit  int    `json:"limit"`
	}
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &args); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
		}
	}
	limit := args.Limit
	if limit <= 0 {
		limit = listTasksDefault
	}
	if limit > listTasksCap {
		limit = listTasksCap
	}

	tasks, err := h.tasks.List(ctx, store.TaskStatus(args.Status), limit)
	if err != nil {
		return nil, &RPCError{
			Code:    CodeInternalError,
			Message: fmt.Sprintf("list tasks: %v", err),
		}
	}

	summaries := make([]taskSummary, 0, len(tasks))
	for _, t := range tasks {
		summaries = append(summaries, taskSummary{
			TaskID:    t.ID,
			ToolName:  t.ToolName,
			Status:    string(t.Status),
			CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339),
			Error:     t.Error,
		})
	}

	reply := struct {
		Count int           `json:"count"`
		Tasks []taskSummary `json:"tasks"`
	}{Count: len(summaries), Tasks: summaries}
	return marshalJSONResult(reply)
}

// marshalJSONResult wraps v, serialized, into text content.
func marshalJSONResult(v any) (json.RawMessage, *RPCError) {
	text, err := json.Marshal(v)
	if err != nil {
		return nil, &RPCError{Code: CodeInternalError, Message: err.Error()}
	}
	return marshalToolResult(string(text)), nil
}

// marshalToolResult wraps text into MCP CallToolResult format.
func marshalToolResult(text string) json.RawMessage {
	result := CallToolResult{
		Content: []ToolContent{{Type: "text", Text: text}},
	}
	data, _ := json.Marshal(result)
	return data
}
