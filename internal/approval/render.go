package approval

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/porterolabs/portero/internal/store"
)

const (
	bodyLimit       = 800
	valueLimit      = 200
	genericFieldCap = 8
)

// Summary renders a task into the plain-text approval request shown to
// the admin. Rendering is type aware: common argument shapes (email,
// calendar event, file operation, source control, payment, document
// records) get dedicated layouts; everything else falls back to a
// key-value listing. Only the caller-facing arguments are rendered, so
// real secrets never reach the channel.
func Summary(t *store.Task) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Approval required\nTool: %s\nTask: %s\n", t.ToolName, t.ID)

	args := map[string]any{}
	if len(t.OriginalArgs) > 0 {
		_ = json.Unmarshal(t.OriginalArgs, &args)
	}
	if len(args) == 0 {
		sb.WriteString("\n(no arguments)")
		return sb.String()
	}

	sb.WriteString("\n")
	for _, line := range renderArgs(args) {
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func renderArgs(args map[string]any) []string {
	switch {
	case has(args, "to") && hasAny(args, "subject", "body"):
		return renderEmail(args)
	case has(args, "start") && hasAny(args, "end", "summary", "attendees"):
		return renderCalendar(args)
	case hasAny(args, "path", "destination"):
		return renderFile(args)
	case has(args, "owner") && has(args, "repo"):
		return renderSourceControl(args)
	case has(args, "amount") && has(args, "currency"):
		return renderPayment(args)
	case hasAny(args, "database_id", "page_id", "collection", "properties"):
		return renderDocument(args)
	default:
		return renderGeneric(args)
	}
}

func has(args map[string]any, key string) bool {
	_, ok := args[key]
	return ok
}

func hasAny(args map[string]any, keys ...string) bool {
	for _, k := range keys {
		if has(args, k) {
			return true
		}
	}
	return false
}

func renderEmail(args map[string]any) []string {
	var out []string
	out = appendField(out, "To", args["to"], valueLimit)
	out = appendField(out, "Cc", args["cc"], valueLimit)
	out = appendField(out, "Bcc", args["bcc"], valueLimit)
	out = appendField(out, "Subject", args["subject"], valueLimit)
	out = appendField(out, "Body", args["body"], bodyLimit)
	return out
}

func renderCalendar(args map[string]any) []string {
	var out []string
	out = appendField(out, "Summary", args["summary"], valueLimit)
	out = appendField(out, "Start", args["start"], valueLimit)
	out = appendField(out, "End", args["end"], valueLimit)
	out = appendField(out, "Attendees", args["attendees"], valueLimit)
	out = appendField(out, "Location", args["location"], valueLimit)
	out = appendField(out, "Description", args["description"], valueLimit)
	return out
}

func renderFile(args map[string]any) []string {
	var out []string
	out = appendField(out, "Path", args["path"], valueLimit)
	out = appendField(out, "Destination", args["destination"], valueLimit)
	if content, ok := args["content"].(string); ok {
		out = append(out, fmt.Sprintf("Content: %d bytes", len(content)))
	}
	return out
}

func renderSourceControl(args map[string]any) []string {
	out := []string{"Repo: " + renderValue(args["owner"]) + "/" + renderValue(args["repo"])}
	out = appendField(out, "Title", args["title"], valueLimit)
	out = appendField(out, "Branch", args["branch"], valueLimit)
	out = appendField(out, "Head", args["head"], valueLimit)
	out = appendField(out, "Base", args["base"], valueLimit)
	out = appendField(out, "Body", args["body"], valueLimit)
	return out
}

func renderPayment(args map[string]any) []string {
	amount := renderValue(args["amount"])
	currency := strings.ToUpper(renderValue(args["currency"]))
	out := []string{"Amount: " + amount + " " + currency}
	out = appendField(out, "Customer", args["customer"], valueLimit)
	out = appendField(out, "Description", args["description"], valueLimit)
	out = appendField(out, "Email", args["email"], valueLimit)
	out = appendField(out, "Name", args["name"], valueLimit)
	return out
}

func renderDocument(args map[string]any) []string {
	var out []string
	out = appendField(out, "Database", args["database_id"], valueLimit)
	out = appendField(out, "Page", args["page_id"], valueLimit)
	out = appendField(out, "Collection", args["collection"], valueLimit)
	if props, ok := args["properties"].(map[string]any); ok {
		out = append(out, "Properties: "+truncate(joinKeys(props), valueLimit))
	}
	if doc, ok := args["document"].(map[string]any); ok {
		out = append(out, "Fields: "+truncate(joinKeys(doc), valueLimit))
	}
	return out
}

// renderGeneric lists the first fields in key order so the output is
// deterministic regardless of JSON map iteration.
func renderGeneric(args map[string]any) []string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > genericFieldCap {
		keys = keys[:genericFieldCap]
	}
	var out []string
	for _, k := range keys {
		out = appendField(out, k, args[k], valueLimit)
	}
	return out
}

func appendField(lines []string, label string, v any, limit int) []string {
	if v == nil {
		return lines
	}
	s := renderValue(v)
	if s == "" {
		return lines
	}
	return append(lines, label+": "+truncate(s, limit))
}

func renderValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []any:
		parts := make([]string, 0, len(x))
		for _, e := range x {
			parts = append(parts, renderValue(e))
		}
		return strings.Join(parts, ", ")
	case float64:
		// JSON numbers decode as float64; print integral ones plain.
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%g", x)
	case bool:
		return fmt.Sprintf("%t", x)
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func joinKeys(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}

// truncate cuts s at limit bytes, backing up to a rune boundary, and
// marks the cut with an ellipsis.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
