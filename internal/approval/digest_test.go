package approval

import (
	"context"
	"testing"
	"time"
)

func TestDigestGroupsInArrivalOrder(t *testing.T) {
	d := NewDigest(time.Minute, 0)
	d.Notify(Notice{Status: StatusSuccess, ToolName: "files/read_file"})
	d.Notify(Notice{Status: StatusSuccess, ToolName: "files/read_file"})
	d.Notify(Notice{Status: StatusError, ToolName: "mail/send_email", Reason: "backend down"})
	d.Notify(Notice{Status: StatusSuccess, ToolName: "files/read_file"})

	groups := d.take()
	if len(groups) != 2 {
		t.Fatalf("got %d groups; want 2", len(groups))
	}
	if groups[0].ToolName != "files/read_file" || groups[0].Count != 3 {
		t.Errorf("group[0] = %+v; want files/read_file x3", groups[0])
	}
	if groups[1].ToolName != "mail/send_email" || groups[1].Count != 1 || groups[1].Reason != "backend down" {
		t.Errorf("group[1] = %+v; want mail/send_email x1", groups[1])
	}
}

func TestDigestSplitsOnReason(t *testing.T) {
	d := NewDigest(time.Minute, 0)
	d.Notify(Notice{Status: StatusBlocked, ToolName: "files/delete_file", Reason: "static rule"})
	d.Notify(Notice{Status: StatusBlocked, ToolName: "files/delete_file", Reason: "dynamic rule"})

	groups := d.take()
	if len(groups) != 2 {
		t.Fatalf("got %d groups; want 2 (distinct reasons)", len(groups))
	}
}

func TestDigestFlushCap(t *testing.T) {
	d := NewDigest(time.Minute, 25)
	for i := 0; i < 30; i++ {
		d.Notify(Notice{Status: StatusSuccess, ToolName: "files/read_file"})
	}

	first := d.take()
	if total := countNotices(first); total != 25 {
		t.Errorf("first flush carried %d notices; want 25", total)
	}
	second := d.take()
	if total := countNotices(second); total != 5 {
		t.Errorf("second flush carried %d notices; want 5", total)
	}
	if third := d.take(); third != nil {
		t.Errorf("third flush = %v; want nil", third)
	}
}

func countNotices(groups []Group) int {
	total := 0
	for _, g := range groups {
		total += g.Count
	}
	return total
}

func TestDigestRunFlushesOnWindow(t *testing.T) {
	d := NewDigest(10*time.Millisecond, 0)
	flushed := make(chan []Group, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx, func(_ context.Context, groups []Group) {
			flushed <- groups
		})
		close(done)
	}()

	d.Notify(Notice{Status: StatusCompleted, ToolName: "github/create_pull_request"})

	select {
	case groups := <-flushed:
		if len(groups) != 1 || groups[0].Status != StatusCompleted {
			t.Errorf("flush = %+v; want one completed group", groups)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no flush within the window")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestDigestDrainsOnShutdown(t *testing.T) {
	d := NewDigest(time.Hour, 0)
	flushed := make(chan []Group, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx, func(_ context.Context, groups []Group) {
			flushed <- groups
		})
		close(done)
	}()

	d.Notify(Notice{Status: StatusError, ToolName: "mail/send_email"})
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	select {
	case groups := <-flushed:
		if countNotices(groups) != 1 {
			t.Errorf("shutdown drain = %+v; want the queued notice", groups)
		}
	default:
		t.Error("queued notice lost on shutdown")
	}
}
