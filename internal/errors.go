package gateway

import "errors"

// Sentinel errors for the gateway domain. The transport edge maps these
// to HTTP statuses and JSON-RPC error codes; everything below the edge
// wraps and tests with errors.Is.
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrQuotaExceeded      = errors.New("monthly quota exceeded")
	ErrUnsupportedNetwork = errors.New("unsupported network")
	ErrUnsupportedMethod  = errors.New("unsupported method")
	ErrPaidTierRequired   = errors.New("requires paid tier")
	ErrGuardBlocked       = errors.New("blocked by guard")
	ErrRateLimitDown      = errors.New("rate limiting service unavailable")
	ErrQuotaDown          = errors.New("monthly quota service unavailable")
	ErrNoUpstream         = errors.New("no upstream available")
	ErrBadRequest         = errors.New("bad request")
)

// ErrorCategory labels an error class for the X-Error-Category header.
type ErrorCategory string

const (
	// CategoryBusiness covers JSON-RPC level failures (parse errors,
	// unknown methods). Responses are HTTP 200 with an error envelope.
	CategoryBusiness ErrorCategory = "business"
	// CategoryGateway covers infrastructure, auth, rate and quota
	// failures. Responses use a non-200 HTTP status.
	CategoryGateway ErrorCategory = "gateway"
)
