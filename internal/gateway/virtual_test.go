package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/porterolabs/portero/internal/backend"
	"github.com/porterolabs/portero/internal/store"
)

func catalogDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		reply: json.RawMessage(`{"ok":true}`),
		tools: []backend.Tool{
			{Name: "read_file", Description: "Read a file from disk"},
			{Name: "write_file", Description: "Write contents to a file"},
			{Name: "create_charge", Description: "Create a payment charge"},
		},
	}
}

func TestToolsListLeadsWithVirtualTools(t *testing.T) {
	fx := newFixture(t, fixtureConfig{disp: catalogDispatcher()})

	resp := fx.rpc(t, "tools/list", nil)
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}
	var result struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}

	wantFirst := []string{toolSearchTools, toolCall, toolCheckTask, toolListTasks}
	if len(result.Tools) < len(wantFirst)+3 {
		t.Fatalf("tools = %d, want virtual set plus catalog", len(result.Tools))
	}
	for i, want := range wantFirst {
		if result.Tools[i].Name != want {
			t.Fatalf("tools[%d] = %q, want %q", i, result.Tools[i].Name, want)
		}
	}
	if result.Tools[len(wantFirst)].Name != "filesystem/read_file" {
		t.Fatalf("first catalog tool = %q", result.Tools[len(wantFirst)].Name)
	}
}

func TestToolsListHidesUnpinnedButSearchFindsThem(t *testing.T) {
	fx := newFixture(t, fixtureConfig{
		disp:   catalogDispatcher(),
		pinned: []string{"read_file"},
	})

	resp := fx.rpc(t, "tools/list", nil)
	var listed struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &listed); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	for _, tool := range listed.Tools {
		if tool.Name == "filesystem/write_file" {
			t.Fatal("unpinned tool leaked into tools/list")
		}
	}

	resp = fx.callTool(t, toolSearchTools, map[string]string{"query": "write"})
	if resp.Error != nil {
		t.Fatalf("search error = %+v", resp.Error)
	}
	var found struct {
		Count int           `json:"count"`
		Tools []searchMatch `json:"tools"`
	}
	if err := json.Unmarshal([]byte(contentText(t, resp.Result)), &found); err != nil {
		t.Fatalf("decode search reply: %v", err)
	}
	if found.Count != 1 || found.Tools[0].Name != "filesystem/write_file" {
		t.Fatalf("search reply = %+v", found)
	}

	// The hidden tool is still callable through the delegate.
	resp = fx.callTool(t, toolCall, map[string]any{"tool": "filesystem/write_file", "args": map[string]string{"path": "/x"}})
	if resp.Error != nil {
		t.Fatalf("delegate error = %+v", resp.Error)
	}
	if calls := fx.disp.calls(); len(calls) != 1 || calls[0] != "write_file" {
		t.Fatalf("dispatcher calls = %v", calls)
	}
}

func TestSearchToolsFilters(t *testing.T) {
	tests := []struct {
		name string
		args map[string]string
		want []string
	}{
		{
			name: "query substring",
			args: map[string]string{"query": "read"},
			want: []string{"filesystem/read_file"},
		},
		{
			name: "known category",
			args: map[string]string{"category": "payment"},
			want: []string{"filesystem/create_charge"},
		},
		{
			name: "unknown category literal fallthrough",
			args: map[string]string{"category": "charge"},
			want: []string{"filesystem/create_charge"},
		},
		{
			name: "filesystem category",
			args: map[string]string{"category": "filesystem"},
			want: []string{"filesystem/read_file", "filesystem/write_file", "filesystem/create_charge"},
		},
		{
			name: "no filters returns all",
			args: nil,
			want: []string{"filesystem/read_file", "filesystem/write_file", "filesystem/create_charge"},
		},
		{
			name: "no match",
			args: map[string]string{"query": "kubernetes"},
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, fixtureConfig{disp: catalogDispatcher()})
			resp := fx.callTool(t, toolSearchTools, tt.args)
			if resp.Error != nil {
				t.Fatalf("error = %+v", resp.Error)
			}
			var found struct {
				Count int           `json:"count"`
				Tools []searchMatch `json:"tools"`
			}
			if err := json.Unmarshal([]byte(contentText(t, resp.Result)), &found); err != nil {
				t.Fatalf("decode reply: %v", err)
			}
			if found.Count != len(tt.want) {
				t.Fatalf("count = %d, want %d (%+v)", found.Count, len(tt.want), found.Tools)
			}
			for i, want := range tt.want {
				if found.Tools[i].Name != want {
					t.Fatalf("tools[%d] = %q, want %q", i, found.Tools[i].Name, want)
				}
			}
		})
	}
}

func TestDelegateRejectsVirtualTarget(t *testing.T) {
	fx := newFixture(t, fixtureConfig{})

	resp := fx.callTool(t, toolCall, map[string]any{"tool": toolCheckTask, "args": map[string]string{}})
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("error = %+v, want invalid params", resp.Error)
	}

	resp = fx.callTool(t, toolCall, map[string]any{"args": map[string]string{}})
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("error = %+v, want invalid params for missing tool", resp.Error)
	}
}

func TestCheckTaskStates(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, fixtureConfig{})

	// Unknown id: structured not-found, not an error.
	resp := fx.callTool(t, toolCheckTask, map[string]string{"task_id": "nope"})
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}
	var nf map[string]string
	if err := json.Unmarshal([]byte(contentText(t, resp.Result)), &nf); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if nf["status"] != "not-found" || nf["taskId"] != "nope" {
		t.Fatalf("reply = %v", nf)
	}

	// Pending task: status envelope.
	tk, err := fx.tasks.Create(ctx, "filesystem/write_file", []byte(`{}`), []byte(`{}`), store.ActionRequireApproval)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	resp = fx.callTool(t, toolCheckTask, map[string]string{"task_id": tk.ID})
	var env map[string]string
	if err := json.Unmarshal([]byte(contentText(t, resp.Result)), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env["status"] != string(store.TaskPendingApproval) || env["toolName"] != "filesystem/write_file" {
		t.Fatalf("envelope = %v", env)
	}

	// Completed task: stored result verbatim, checkedAt stamped.
	final := json.RawMessage(`{"content":[{"type":"text","text":"done"}]}`)
	mustTransition(t, fx, tk.ID, store.TaskApprovedQueued)
	mustTransition(t, fx, tk.ID, store.TaskExecuting)
	if _, err := fx.tasks.SetResult(ctx, tk.ID, final); err != nil {
		t.Fatalf("set result: %v", err)
	}

	resp = fx.callTool(t, toolCheckTask, map[string]string{"task_id": tk.ID})
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}
	if string(resp.Result) != string(final) {
		t.Fatalf("result = %s, want stored result verbatim", resp.Result)
	}

	got, err := fx.tasks.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.CheckedAt == nil {
		t.Fatal("checkedAt not stamped")
	}
}

func mustTransition(t *testing.T, fx *fixture, id string, target store.TaskStatus) {
	t.Helper()
	if _, err := fx.tasks.Transition(context.Background(), id, target); err != nil {
		t.Fatalf("transition to %s: %v", target, err)
	}
}

func TestListTasksLimits(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, fixtureConfig{})

	for i := 0; i < 25; i++ {
		_, err := fx.tasks.Create(ctx, fmt.Sprintf("filesystem/tool_%d", i), []byte(`{}`), []byte(`{}`), store.ActionRequireApproval)
		if err != nil {
			t.Fatalf("create task %d: %v", i, err)
		}
	}

	listTasks := func(args map[string]any) int {
		t.Helper()
		resp := fx.callTool(t, toolListTasks, args)
		if resp.Error != nil {
			t.Fatalf("error = %+v", resp.Error)
		}
		var reply struct {
			Count int           `json:"count"`
			Tasks []taskSummary `json:"tasks"`
		}
		if err := json.Unmarshal([]byte(contentText(t, resp.Result)), &reply); err != nil {
			t.Fatalf("decode reply: %v", err)
		}
		if reply.Count != len(reply.Tasks) {
			t.Fatalf("count %d != len %d", reply.Count, len(reply.Tasks))
		}
		return reply.Count
	}

	if got := listTasks(nil); got != listTasksDefault {
		t.Fatalf("default listing = %d, want %d", got, listTasksDefault)
	}
	if got := listTasks(map[string]any{"limit": 150}); got != 25 {
		t.Fatalf("capped listing = %d, want all 25", got)
	}
	if got := listTasks(map[string]any{"limit": 5}); got != 5 {
		t.Fatalf("limited listing = %d, want 5", got)
	}
	if got := listTasks(map[string]any{"status": string(store.TaskCompleted)}); got != 0 {
		t.Fatalf("status-filtered listing = %d, want 0", got)
	}
}
