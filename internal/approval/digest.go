package approval

import (
	"context"
	"sync"
	"time"
)

// Digest batching defaults.
const (
	DefaultDigestWindow = 3 * time.Second
	DefaultDigestLimit  = 25
)

// Group is a run of identical notices collapsed for one digest flush,
// in arrival order of their first occurrence.
type Group struct {
	Status   string
	ToolName string
	Reason   string
	Count    int
}

// Flusher delivers one digest batch to the admin.
type Flusher func(ctx context.Context, groups []Group)

// Digest batches pipeline and executor notices on a fixed window so
// chatty tools do not flood the admin channel. At most limit notices
// leave per flush; the rest stay queued for the next window.
type Digest struct {
	mu     sync.Mutex
	queue  []Notice
	window time.Duration
	limit  int
}

// NewDigest creates a batcher. Non-positive window or limit select the
// defaults.
func NewDigest(window time.Duration, limit int) *Digest {
	if window <= 0 {
		window = DefaultDigestWindow
	}
	if limit <= 0 {
		limit = DefaultDigestLimit
	}
	return &Digest{window: window, limit: limit}
}

// Notify queues a notice for the next flush. It never blocks.
func (d *Digest) Notify(n Notice) {
	d.mu.Lock()
	d.queue = append(d.queue, n)
	d.mu.Unlock()
}

// Run flushes queued notices through fn every window until ctx is done,
// then drains what remains on a short grace context.
func (d *Digest) Run(ctx context.Context, fn Flusher) {
	ticker := time.NewTicker(d.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if groups := d.take(); len(groups) > 0 {
				fn(ctx, groups)
			}
		case <-ctx.Done():
			if groups := d.take(); len(groups) > 0 {
				flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				fn(flushCtx, groups)
				cancel()
			}
			return
		}
	}
}

// take removes up to limit notices and collapses them into groups.
func (d *Digest) take() []Group {
	d.mu.Lock()
	n := len(d.queue)
	if n == 0 {
		d.mu.Unlock()
		return nil
	}
	if n > d.limit {
		n = d.limit
	}
	batch := make([]Notice, n)
	copy(batch, d.queue[:n])
	rest := d.queue[n:]
	if len(rest) == 0 {
		d.queue = nil
	} else {
		d.queue = make([]Notice, len(rest))
		copy(d.queue, rest)
	}
	d.mu.Unlock()

	type key struct {
		status, tool, reason string
	}
	idx := make(map[key]int, len(batch))
	groups := make([]Group, 0, len(batch))
	for _, notice := range batch {
		k := key{notice.Status, notice.ToolName, notice.Reason}
		if i, ok := idx[k]; ok {
			groups[i].Count++
			continue
		}
		idx[k] = len(groups)
		groups = append(groups, Group{
			Status:   notice.Status,
			ToolName: notice.ToolName,
			Reason:   notice.Reason,
			Count:    1,
		})
	}
	return groups
}

// Pending returns the number of queued notices, for status reporting.
func (d *Digest) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}
