package approval

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/porterolabs/portero/internal/store"
)

func renderTask(t *testing.T, tool string, args any) *store.Task {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	return &store.Task{
		ID:           "task-1",
		ToolName:     tool,
		OriginalArgs: raw,
		Status:       store.TaskPendingApproval,
	}
}

func TestSummaryHeader(t *testing.T) {
	got := Summary(renderTask(t, "gmail/send_email", map[string]any{"to": "x@y.z"}))
	if !strings.Contains(got, "Tool: gmail/send_email") {
		t.Errorf("missing tool line in %q", got)
	}
	if !strings.Contains(got, "Task: task-1") {
		t.Errorf("missing task line in %q", got)
	}
}

func TestSummaryNoArguments(t *testing.T) {
	task := &store.Task{ID: "task-1", ToolName: "clock/now"}
	if got := Summary(task); !strings.Contains(got, "(no arguments)") {
		t.Errorf("Summary = %q; want no-arguments marker", got)
	}
}

func TestSummaryEmailTruncatesBody(t *testing.T) {
	body := strings.Repeat("a", 900)
	got := Summary(renderTask(t, "gmail/send_email", map[string]any{
		"to":      "ops@acme.example",
		"cc":      []string{"lead@acme.example", "qa@acme.example"},
		"subject": "Weekly report",
		"body":    body,
	}))

	for _, want := range []string{
		"To: ops@acme.example",
		"Cc: lead@acme.example, qa@acme.example",
		"Subject: Weekly report",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in:\n%s", want, got)
		}
	}
	if strings.Contains(got, strings.Repeat("a", 801)) {
		t.Error("body exceeds 800 chars")
	}
	if !strings.Contains(got, strings.Repeat("a", 800)+"...") {
		t.Error("truncated body missing ellipsis")
	}
}

func TestSummaryCalendar(t *testing.T) {
	got := Summary(renderTask(t, "calendar/create_event", map[string]any{
		"summary":   "Standup",
		"start":     "2026-03-02T09:00:00Z",
		"end":       "2026-03-02T09:15:00Z",
		"attendees": []string{"a@x.y", "b@x.y"},
		"location":  "Room 4",
	}))

	for _, want := range []string{
		"Summary: Standup",
		"Start: 2026-03-02T09:00:00Z",
		"End: 2026-03-02T09:15:00Z",
		"Attendees: a@x.y, b@x.y",
		"Location: Room 4",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in:\n%s", want, got)
		}
	}
}

func TestSummaryFileOperation(t *testing.T) {
	got := Summary(renderTask(t, "filesystem/write_file", map[string]any{
		"path":    "/srv/app/config.yaml",
		"content": strings.Repeat("x", 4096),
	}))

	if !strings.Contains(got, "Path: /srv/app/config.yaml") {
		t.Errorf("missing path in:\n%s", got)
	}
	if !strings.Contains(got, "Content: 4096 bytes") {
		t.Errorf("missing content length in:\n%s", got)
	}
	if strings.Contains(got, "xxxx") {
		t.Error("raw file content leaked into summary")
	}
}

func TestSummarySourceControl(t *testing.T) {
	got := Summary(renderTask(t, "github/create_pull_request", map[string]any{
		"owner": "acme",
		"repo":  "website",
		"title": "Fix nav",
		"head":  "fix-nav",
		"base":  "main",
	}))

	for _, want := range []string{
		"Repo: acme/website",
		"Title: Fix nav",
		"Head: fix-nav",
		"Base: main",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in:\n%s", want, got)
		}
	}
}

func TestSummaryPayment(t *testing.T) {
	got := Summary(renderTask(t, "stripe/create_charge", map[string]any{
		"amount":   1999,
		"currency": "usd",
		"customer": "cus_123",
	}))

	if !strings.Contains(got, "Amount: 1999 USD") {
		t.Errorf("missing amount line in:\n%s", got)
	}
	if !strings.Contains(got, "Customer: cus_123") {
		t.Errorf("missing customer in:\n%s", got)
	}
}

func TestSummaryDocumentProperties(t *testing.T) {
	got := Summary(renderTask(t, "notion/create_page", map[string]any{
		"database_id": "db-42",
		"properties": map[string]any{
			"Name":   "Q3 plan",
			"Status": "Draft",
		},
	}))

	if !strings.Contains(got, "Database: db-42") {
		t.Errorf("missing database id in:\n%s", got)
	}
	if !strings.Contains(got, "Properties: Name, Status") {
		t.Errorf("missing property names in:\n%s", got)
	}
	if strings.Contains(got, "Q3 plan") {
		t.Error("property values should not render, only names")
	}
}

func TestSummaryGenericFallback(t *testing.T) {
	args := map[string]any{
		"alpha": strings.Repeat("v", 300),
		"beta":  2,
		"gamma": true,
	}
	// Push past the field cap with four more keys.
	for _, k := range []string{"delta", "epsilon", "zeta", "eta", "theta", "iota"} {
		args[k] = k
	}
	got := Summary(renderTask(t, "custom/do_thing", args))

	if strings.Contains(got, strings.Repeat("v", 201)) {
		t.Error("generic value exceeds 200 chars")
	}
	if !strings.Contains(got, strings.Repeat("v", 200)+"...") {
		t.Error("truncated generic value missing ellipsis")
	}
	// Nine keys sorted: only the first eight render, "zeta" falls off.
	if strings.Contains(got, "zeta") {
		t.Errorf("field cap not applied:\n%s", got)
	}
	if !strings.Contains(got, "beta: 2") {
		t.Errorf("numeric value rendered wrong in:\n%s", got)
	}
}
