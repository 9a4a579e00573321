// Package worker runs the gateway's background loops: usage record
// flushing, usage retention pruning, and breaker state sweeps.
package worker

import "context"

// Worker is one background loop, driven to completion by the Runner.
type Worker interface {
	// Run blocks until ctx is cancelled or the loop fails terminally.
	Run(ctx context.Context) error
}
