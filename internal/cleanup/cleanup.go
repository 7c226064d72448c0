// Package cleanup prunes expired records from the state store on a fixed
// interval. Sweeps are advisory: a failure is logged and retried on the
// next tick, never escalated.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/porterolabs/portero/internal/store"
)

// DefaultInterval is the sweep cadence.
const DefaultInterval = 60 * time.Second

// Store is the slice of the state store the sweeper prunes.
type Store interface {
	ListGrants(ctx context.Context) ([]store.Grant, error)
	DeleteGrant(ctx context.Context, id string) error
	ListApprovals(ctx context.Context) ([]store.Approval, error)
	DeleteApproval(ctx context.Context, id string) error
}

// Sweeper removes expired grants and legacy approval records.
type Sweeper struct {
	store    Store
	interval time.Duration
}

// New builds a Sweeper. A non-positive interval selects DefaultInterval.
func New(s Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{store: s, interval: interval}
}

// Run sweeps immediately, then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.Sweep(ctx, time.Now())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx, time.Now())
		case <-ctx.Done():
			return
		}
	}
}

// Sweep removes grants no longer in force at now and legacy approvals
// whose expiry has passed. Each record is handled independently.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) {
	grants, err := s.store.ListGrants(ctx)
	if err != nil {
		slog.Warn("grant sweep failed", "error", err)
	} else {
		for _, g := range grants {
			if g.Active(now) {
				continue
			}
			if err := s.store.DeleteGrant(ctx, g.ID); err != nil {
				slog.Warn("expired grant not removed", "grant_id", g.ID, "error", err)
				continue
			}
			slog.Info("expired grant removed", "grant_id", g.ID, "pattern", g.Pattern)
		}
	}

	approvals, err := s.store.ListApprovals(ctx)
	if err != nil {
		slog.Warn("approval sweep failed", "error", err)
		return
	}
	for _, a := range approvals {
		if !a.ExpiresAt.Before(now) {
			continue
		}
		if err := s.store.DeleteApproval(ctx, a.ID); err != nil {
			slog.Warn("expired approval not removed", "approval_id", a.ID, "error", err)
			continue
		}
		slog.Info("expired approval removed", "approval_id", a.ID, "tool", a.ToolName)
	}
}
