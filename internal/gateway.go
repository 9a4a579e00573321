// Package gateway defines domain types and interfaces for the rpcgate
// JSON-RPC gateway. This package has no project imports -- it is the
// dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"
)

// --- Consumer identity ---

// Tier is the access tier of a consumer, derived from its monthly quota.
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// Consumer is the authenticated caller identity for one request or one
// WebSocket connection. A SecondsQuota of 0 disables per-second limiting;
// a MonthlyQuota of 0 disables monthly enforcement.
type Consumer struct {
	Name         string
	SecondsQuota int64 // CU per sliding second window
	MonthlyQuota int64 // CU per billing cycle
	Tier         Tier
}

// IsPaid reports whether the consumer is on the paid tier.
func (c *Consumer) IsPaid() bool { return c != nil && c.Tier == TierPaid }

// DeriveTier returns the tier implied by a monthly quota against the
// route's paid threshold.
func DeriveTier(monthlyQuota, paidThreshold int64) Tier {
	if monthlyQuota > paidThreshold {
		return TierPaid
	}
	return TierFree
}

// Authenticator validates request credentials and returns the caller's
// consumer identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Consumer, error)
}

// --- Upstream picker ---

// Upstream is a resolved forwarding target for one network.
type Upstream struct {
	HTTPURL     string        // e.g. https://node-1.internal:8545
	WSURL       string        // e.g. wss://node-1.internal:8546
	ReadTimeout time.Duration // also the WS dial timeout
	InsecureTLS bool          // skip upstream certificate verification
}

// Picker selects the upstream node for a route and network.
// Load balancing and health checking live behind this interface.
type Picker interface {
	Pick(ctx context.Context, routeID, network string) (*Upstream, error)
}

// --- Usage accounting ---

// UsageRecord is a single accounted request, persisted asynchronously
// for billing reconciliation.
type UsageRecord struct {
	ID         string
	Consumer   string
	Network    string
	Methods    int // number of JSON-RPC calls in the request
	CU         int64
	StatusCode int
	LatencyMs  int
	RequestID  string
	WebSocket  bool
	CreatedAt  time.Time
}

// --- Billing cycle ---

// CycleID returns the UTC calendar month identifier (YYYYMM) for t.
func CycleID(t time.Time) string {
	return t.UTC().Format("200601")
}

// CycleEnd returns the first instant of the next UTC calendar month,
// i.e. the moment the billing-cycle key must expire.
func CycleEnd(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

// QuotaKey returns the Redis key holding a consumer's CU counter for
// the billing cycle containing t.
func QuotaKey(consumer string, t time.Time) string {
	return "quota:monthly:" + consumer + ":" + CycleID(t)
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Consumer field is set later by the authenticate step via mutation of
// the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Consumer  *Consumer
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// ConsumerFromContext extracts the authenticated consumer from ctx, or nil.
func ConsumerFromContext(ctx context.Context) *Consumer {
	if m := metaFromContext(ctx); m != nil {
		return m.Consumer
	}
	return nil
}

// ContextWithConsumer stores the consumer in the existing requestMeta if
// present, avoiding a new context.WithValue allocation. Falls back to
// creating new metadata if none exists (e.g., in tests).
func ContextWithConsumer(ctx context.Context, c *Consumer) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Consumer = c
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Consumer: c})
}

// RequestIDFromContext extracts the request ID from ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared constants and helpers ---

// APIKeyPrefix is the prefix for all rpcgate API keys.
const APIKeyPrefix = "ufr_"

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
