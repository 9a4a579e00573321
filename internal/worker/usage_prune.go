package worker

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultUsageRetention = 90 * 24 * time.Hour
	usagePruneEvery       = 24 * time.Hour
)

// UsagePruneStore is the persistence interface consumed by UsagePruner.
type UsagePruneStore interface {
	PruneUsage(ctx context.Context, before time.Time) (int64, error)
}

// UsagePruner deletes usage records past the retention window, keeping
// the audit table bounded.
type UsagePruner struct {
	store     UsagePruneStore
	retention time.Duration
}

// NewUsagePruner creates a UsagePruner. A non-positive retention uses
// the 90-day default.
func NewUsagePruner(store UsagePruneStore, retention time.Duration) *UsagePruner {
	if retention <= 0 {
		retention = defaultUsageRetention
	}
	return &UsagePruner{store: store, retention: retention}
}

// Name returns the worker identifier.
func (w *UsagePruner) Name() string { return "usage_pruner" }

// Run prunes once at startup, then daily, until ctx is cancelled.
func (w *UsagePruner) Run(ctx context.Context) error {
	w.prune(ctx)

	ticker := time.NewTicker(usagePruneEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.prune(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *UsagePruner) prune(ctx context.Context) {
	n, err := w.store.PruneUsage(ctx, time.Now().Add(-w.retention))
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "usage prune failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		slog.LogAttrs(ctx, slog.LevelInfo, "usage records pruned",
			slog.Int64("count", n),
		)
	}
}
