package redisbreaker

import (
	"context"
	"errors"
	"net"
	"os"

	"github.com/redis/go-redis/v9"
)

// IsInfrastructureError reports whether a Redis call failure should
// count against the breaker. Only infrastructure faults count:
// timeouts, connection errors, pool exhaustion. Protocol-level results
// (redis.Nil, script errors from bad arguments) are the caller's
// problem and never trip the breaker.
func IsInfrastructureError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		// The client went away; Redis did nothing wrong.
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if errors.Is(err, redis.ErrClosed) {
		return true
	}
	// Remaining errors are protocol or usage errors (WRONGTYPE, script
	// failures); the server answered, so the connection is healthy.
	return false
}
