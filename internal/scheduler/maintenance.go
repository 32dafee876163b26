package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/Coo/internal/store"
)

const (
	// DefaultMaintenanceSchedule runs pruning once a day at 03:17.
	DefaultMaintenanceSchedule = "17 3 * * *"
	// DefaultRetention is how long dedup records and finished outbox messages are kept.
	DefaultRetention = 7 * 24 * time.Hour
)

// PruneTask deletes dedup records and finished outbox messages older than retention.
func PruneTask(p store.Pruner, retention time.Duration, now func() time.Time) Task {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		cutoff := now().Add(-retention)
		inbound, err := p.PruneInbound(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("prune inbound: %w", err)
		}
		outbox, err := p.PruneOutbox(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("prune outbox: %w", err)
		}
		slog.Info("Maintenance prune completed", "cutoff", cutoff, "inbound", inbound, "outbox", outbox)
		return nil
	}
}
