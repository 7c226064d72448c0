package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/porterolabs/portero/internal/approval"
	"github.com/porterolabs/portero/internal/store"
)

const helpText = `Commands:
/status - gateway summary
/grant <pattern> [duration] - allow matching tools without approval
/grants - list grants
/revoke <id|pattern> - remove grants
/rule <pattern> <allow|deny|require-approval> - upsert a dynamic rule
/rules - list dynamic rules
/unrule <pattern> - remove a dynamic rule
/tasks [n] - recent tasks
/pending - pending tasks with decision keyboards
/audit [n] - recent audit records`

// handleCommand dispatches a message from the paired admin.
func (a *Adapter) handleCommand(ctx context.Context, chatID int64, cmd string, fields []string) {
	switch cmd {
	case "/start", "/help":
		a.reply(ctx, chatID, helpText)
	case "/pair":
		a.reply(ctx, chatID, "Already paired.")
	case "/status":
		a.cmdStatus(ctx, chatID)
	case "/grant":
		a.cmdGrant(ctx, chatID, fields)
	case "/grants":
		a.cmdGrants(ctx, chatID)
	case "/revoke":
		a.cmdRevoke(ctx, chatID, fields)
	case "/rule":
		a.cmdRule(ctx, chatID, fields)
	case "/rules":
		a.cmdRules(ctx, chatID)
	case "/unrule":
		a.cmdUnrule(ctx, chatID, fields)
	case "/tasks":
		a.cmdTasks(ctx, chatID, fields)
	case "/pending":
		a.cmdPending(ctx, chatID)
	case "/audit":
		a.cmdAudit(ctx, chatID, fields)
	default:
		a.reply(ctx, chatID, "Unknown command. /help lists commands.")
	}
}

func (a *Adapter) cmdStatus(ctx context.Context, chatID int64) {
	all, err := a.tasks.List(ctx, "", 0)
	if err != nil {
		a.reply(ctx, chatID, "Status unavailable: "+err.Error())
		return
	}
	counts := map[store.TaskStatus]int{}
	for _, t := range all {
		counts[t.Status]++
	}
	grants, err := a.store.ListGrants(ctx)
	if err != nil {
		a.reply(ctx, chatID, "Status unavailable: "+err.Error())
		return
	}
	active := 0
	now := time.Now().UTC()
	for _, g := range grants {
		if g.Active(now) {
			active++
		}
	}
	rules, err := a.store.ListRules(ctx)
	if err != nil {
		a.reply(ctx, chatID, "Status unavailable: "+err.Error())
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Backends: %d (%s)\n", a.reg.Len(), strings.Join(a.reg.Names(), ", "))
	fmt.Fprintf(&sb, "Tasks: %d pending, %d queued, %d executing, %d completed, %d denied, %d error\n",
		counts[store.TaskPendingApproval], counts[store.TaskApprovedQueued],
		counts[store.TaskExecuting], counts[store.TaskCompleted],
		counts[store.TaskDenied], counts[store.TaskError])
	fmt.Fprintf(&sb, "Grants: %d active of %d\n", active, len(grants))
	fmt.Fprintf(&sb, "Rules: %d\n", len(rules))
	stats := a.agg.CacheStats()
	fmt.Fprintf(&sb, "Catalog cache: %d hits, %d misses, %d entries", stats.Hits, stats.Misses, stats.Entries)
	a.reply(ctx, chatID, sb.String())
}

func (a *Adapter) cmdGrant(ctx context.Context, chatID int64, fields []string) {
	if len(fields) < 2 {
		a.reply(ctx, chatID, "Usage: /grant <pattern> [duration]")
		return
	}
	ttl := approval.GrantShortTTL
	if len(fields) >= 3 {
		d, err := time.ParseDuration(fields[2])
		if err != nil || d <= 0 {
			a.reply(ctx, chatID, "Bad duration. Use Go syntax: 15m, 2h.")
			return
		}
		ttl = d
	}
	now := time.Now().UTC()
	g := &store.Grant{
		ID:        uuid.NewString(),
		Pattern:   fields[1],
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := a.store.CreateGrant(ctx, g); err != nil {
		slog.Error("create grant", "pattern", g.Pattern, "error", err)
		a.reply(ctx, chatID, "Failed to create grant.")
		return
	}
	a.reply(ctx, chatID, fmt.Sprintf("Grant %s: %s until %s",
		shortID(g.ID), g.Pattern, g.ExpiresAt.Format(time.RFC3339)))
}

func (a *Adapter) cmdGrants(ctx context.Context, chatID int64) {
	grants, err := a.store.ListGrants(ctx)
	if err != nil {
		a.reply(ctx, chatID, "Failed to list grants: "+err.Error())
		return
	}
	if len(grants) == 0 {
		a.reply(ctx, chatID, "No grants.")
		return
	}
	now := time.Now().UTC()
	var sb strings.Builder
	sb.WriteString("Grants:")
	for _, g := range grants {
		state := "expired"
		if g.Active(now) {
			state = "expires in " + g.ExpiresAt.Sub(now).Round(time.Second).String()
		}
		fmt.Fprintf(&sb, "\n- %s %s (%s)", shortID(g.ID), g.Pattern, state)
	}
	a.reply(ctx, chatID, sb.String())
}

func (a *Adapter) cmdRevoke(ctx context.Context, chatID int64, fields []string) {
	if len(fields) != 2 {
		a.reply(ctx, chatID, "Usage: /revoke <id|pattern>")
		return
	}
	arg := fields[1]
	grants, err := a.store.ListGrants(ctx)
	if err != nil {
		a.reply(ctx, chatID, "Failed to list grants: "+err.Error())
		return
	}
	removed := 0
	for _, g := range grants {
		if g.ID != arg && !strings.HasPrefix(g.ID, arg) && g.Pattern != arg {
			continue
		}
		if err := a.store.DeleteGrant(ctx, g.ID); err != nil {
			slog.Warn("delete grant", "grant", g.ID, "error", err)
			continue
		}
		removed++
	}
	a.reply(ctx, chatID, fmt.Sprintf("Revoked %d grant(s).", removed))
}

func (a *Adapter) cmdRule(ctx context.Context, chatID int64, fields []string) {
	if len(fields) != 3 {
		a.reply(ctx, chatID, "Usage: /rule <pattern> <allow|deny|require-approval>")
		return
	}
	action := store.PolicyAction(fields[2])
	if !store.ValidPolicyAction(action) {
		a.reply(ctx, chatID, "Bad action. Use allow, deny, or require-approval.")
		return
	}
	if _, err := a.store.UpsertRule(ctx, fields[1], action); err != nil {
		slog.Error("upsert rule", "pattern", fields[1], "error", err)
		a.reply(ctx, chatID, "Failed to save rule.")
		return
	}
	a.reply(ctx, chatID, fmt.Sprintf("Rule saved: %s %s", fields[1], action))
}

func (a *Adapter) cmdRules(ctx context.Context, chatID int64) {
	rules, err := a.store.ListRules(ctx)
	if err != nil {
		a.reply(ctx, chatID, "Failed to list rules: "+err.Error())
		return
	}
	if len(rules) == 0 {
		a.reply(ctx, chatID, "No dynamic rules.")
		return
	}
	var sb strings.Builder
	sb.WriteString("Dynamic rules:")
	for _, r := range rules {
		fmt.Fprintf(&sb, "\n- %s: %s", r.Pattern, r.Action)
	}
	a.reply(ctx, chatID, sb.String())
}

func (a *Adapter) cmdUnrule(ctx context.Context, chatID int64, fields []string) {
	if len(fields) != 2 {
		a.reply(ctx, chatID, "Usage: /unrule <pattern>")
		return
	}
	err := a.store.DeleteRule(ctx, fields[1])
	switch {
	case errors.Is(err, store.ErrNotFound):
		a.reply(ctx, chatID, "No rule for "+fields[1])
	case err != nil:
		slog.Error("delete rule", "pattern", fields[1], "error", err)
		a.reply(ctx, chatID, "Failed to remove rule.")
	default:
		a.reply(ctx, chatID, "Rule removed: "+fields[1])
	}
}

func (a *Adapter) cmdTasks(ctx context.Context, chatID int64, fields []string) {
	limit := parseLimit(fields, 10)
	tasks, err := a.tasks.List(ctx, "", limit)
	if err != nil {
		a.reply(ctx, chatID, "Failed to list tasks: "+err.Error())
		return
	}
	if len(tasks) == 0 {
		a.reply(ctx, chatID, "No tasks.")
		return
	}
	var sb strings.Builder
	sb.WriteString("Tasks:")
	for _, t := range tasks {
		fmt.Fprintf(&sb, "\n- %s %s %s", shortID(t.ID), t.Status, t.ToolName)
	}
	a.reply(ctx, chatID, sb.String())
}

// cmdPending lists pending tasks and re-sends decision keyboards for the
// first few, so missed approval messages can be recovered.
func (a *Adapter) cmdPending(ctx context.Context, chatID int64) {
	pending, err := a.tasks.List(ctx, store.TaskPendingApproval, 0)
	if err != nil {
		a.reply(ctx, chatID, "Failed to list tasks: "+err.Error())
		return
	}
	if len(pending) == 0 {
		a.reply(ctx, chatID, "No pending tasks.")
		return
	}
	a.reply(ctx, chatID, fmt.Sprintf("%d pending task(s):", len(pending)))
	for i := range pending {
		if i == 5 {
			a.reply(ctx, chatID, fmt.Sprintf("...and %d more.", len(pending)-5))
			break
		}
		if err := a.RequestApproval(ctx, &pending[i]); err != nil {
			slog.Warn("resend approval request", "task", pending[i].ID, "error", err)
		}
	}
}

func (a *Adapter) cmdAudit(ctx context.Context, chatID int64, fields []string) {
	limit := parseLimit(fields, 10)
	records, err := a.store.RecentAudit(ctx, limit)
	if err != nil {
		a.reply(ctx, chatID, "Failed to read audit: "+err.Error())
		return
	}
	if len(records) == 0 {
		a.reply(ctx, chatID, "No audit records.")
		return
	}
	var sb strings.Builder
	sb.WriteString("Audit:")
	for _, r := range records {
		fmt.Fprintf(&sb, "\n- %s %s %s", r.Time.Format("15:04:05"), r.Status, r.ToolName)
		if r.Error != "" {
			fmt.Fprintf(&sb, " (%s)", truncateErr(r.Error))
		}
	}
	a.reply(ctx, chatID, sb.String())
}

func parseLimit(fields []string, fallback int) int {
	if len(fields) < 2 {
		return fallback
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncateErr(s string) string {
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}
