package audit

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "plain args untouched",
			in:   `{"to":"alice@example.com","subject":"hi"}`,
			want: `{"to":"alice@example.com","subject":"hi"}`,
		},
		{
			name: "token key redacted",
			in:   `{"api_token":"tok-123","q":"weather"}`,
			want: `{"api_token":"[REDACTED]","q":"weather"}`,
		},
		{
			name: "nested object",
			in:   `{"config":{"password":"hunter2","host":"db"}}`,
			want: `{"config":{"host":"db","password":"[REDACTED]"}}`,
		},
		{
			name: "objects inside arrays",
			in:   `{"accounts":[{"name":"a","secret":"s1"},{"name":"b","secret":"s2"}]}`,
			want: `{"accounts":[{"name":"a","secret":"[REDACTED]"},{"name":"b","secret":"[REDACTED]"}]}`,
		},
		{
			name: "key variants",
			in:   `{"ssh_key":"k","apiKey":"k","keyword":"search-term"}`,
			want: `{"apiKey":"[REDACTED]","keyword":"search-term","ssh_key":"[REDACTED]"}`,
		},
		{
			name: "non-object passes through",
			in:   `["just","an","array"]`,
			want: `["just","an","array"]`,
		},
		{
			name: "garbage passes through",
			in:   `{"broken`,
			want: `{"broken`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Redact(json.RawMessage(tt.in))
			if !sameJSON(t, got, json.RawMessage(tt.want)) {
				t.Errorf("Redact(%s) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

// sameJSON compares two documents ignoring key order, falling back to a
// byte comparison for non-JSON inputs.
func sameJSON(t *testing.T, a, b json.RawMessage) bool {
	t.Helper()
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return string(a) == string(b)
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return string(a) == string(b)
	}
	aj, err := json.Marshal(av)
	if err != nil {
		t.Fatal(err)
	}
	bj, err := json.Marshal(bv)
	if err != nil {
		t.Fatal(err)
	}
	return string(aj) == string(bj)
}

func TestRedactLeavesCleanDocumentUnchanged(t *testing.T) {
	in := json.RawMessage(`{"path":"/srv/data","recursive":true}`)
	got := Redact(in)
	if string(got) != string(in) {
		t.Errorf("clean document was rewritten: %s", got)
	}
	if strings.Contains(string(got), redactedValue) {
		t.Error("clean document gained a redaction marker")
	}
}
