// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/unifra/rpcgate/internal"
)

// UsageFilter narrows a usage query. Zero values match everything.
type UsageFilter struct {
	Consumer string
	Network  string
	Since    string // RFC3339, inclusive
	Until    string // RFC3339, exclusive
	Limit    int
	Offset   int
}

// UsageStore manages usage record persistence for billing
// reconciliation. Redis is the enforcement source of truth; these rows
// are the audit trail it is reconciled against.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []gateway.UsageRecord) error
	QueryUsage(ctx context.Context, f UsageFilter) ([]gateway.UsageRecord, error)
	SumCU(ctx context.Context, consumer string, since time.Time) (int64, error)
	PruneUsage(ctx context.Context, before time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}
