package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/unifra/rpcgate/internal/redisbreaker"
	"github.com/unifra/rpcgate/internal/telemetry"
)

const (
	breakerSweepEvery = time.Minute
	breakerStaleAfter = 30 * time.Minute
)

// BreakerSweeper periodically exports breaker states to metrics and
// evicts breakers for endpoints that have gone quiet.
type BreakerSweeper struct {
	breakers *redisbreaker.Registry
	metrics  *telemetry.Metrics // nil = sweep only
}

// NewBreakerSweeper creates a BreakerSweeper.
func NewBreakerSweeper(breakers *redisbreaker.Registry, metrics *telemetry.Metrics) *BreakerSweeper {
	return &BreakerSweeper{breakers: breakers, metrics: metrics}
}

// Name returns the worker identifier.
func (w *BreakerSweeper) Name() string { return "breaker_sweeper" }

// Run sweeps until ctx is cancelled.
func (w *BreakerSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(breakerSweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if w.metrics != nil {
				w.metrics.ObserveBreakers(w.breakers)
			}
			if n := w.breakers.EvictStale(time.Now().Add(-breakerStaleAfter)); n > 0 {
				slog.LogAttrs(ctx, slog.LevelInfo, "stale breakers evicted",
					slog.Int("count", n),
				)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
