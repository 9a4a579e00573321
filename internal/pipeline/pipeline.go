// Package pipeline composes the per-request admission stages: guard,
// JSON-RPC parse, whitelist, CU pricing, monthly quota, rate limit. The
// pipeline is strictly sequential; any stage can terminate it with a
// tagged response. The same stages run per HTTP request and per
// WebSocket message.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	gateway "github.com/unifra/rpcgate/internal"
	"github.com/unifra/rpcgate/internal/config"
	"github.com/unifra/rpcgate/internal/cu"
	"github.com/unifra/rpcgate/internal/guard"
	"github.com/unifra/rpcgate/internal/jsonrpc"
	"github.com/unifra/rpcgate/internal/quota"
	"github.com/unifra/rpcgate/internal/ratelimit"
	"github.com/unifra/rpcgate/internal/telemetry"
	"github.com/unifra/rpcgate/internal/whitelist"
)

var tracer = telemetry.Tracer("rpcgate/pipeline")

// Reason tags why the pipeline terminated early.
type Reason string

const (
	ReasonGuard       Reason = "guard"
	ReasonParse       Reason = "parse"
	ReasonWhitelist   Reason = "whitelist"
	ReasonQuota       Reason = "quota"
	ReasonRateLimit   Reason = "rate_limit"
	ReasonUnavailable Reason = "unavailable"
)

// Termination is an early pipeline exit. The transport edge renders it:
// HTTP builds an error envelope with HTTPStatus, WebSocket sends an
// error text frame and ignores HTTPStatus.
type Termination struct {
	Reason     Reason
	HTTPStatus int
	Code       int // JSON-RPC error code
	Message    string
	RetryAfter int // seconds; 0 when not applicable
	Err        error
}

// Context is the per-request state the stages read and write. For
// WebSocket connections a fresh Context is created per inbound message,
// sharing the connection-scoped consumer.
type Context struct {
	Parsed    *jsonrpc.ParsedRequest
	Consumer  *gateway.Consumer
	Network   string
	CU        int64
	StartTS   time.Time
	RateLimit ratelimit.Result
	Quota     quota.Result
	Log       *slog.Logger
}

// Request is the pipeline input for one HTTP request or one WS message.
type Request struct {
	Route    *config.RouteConfig
	Body     []byte
	Host     string
	ClientIP string
	Consumer *gateway.Consumer
}

// Pipeline wires the admission stages together.
type Pipeline struct {
	guard   *guard.Guard
	store   *config.Store
	quota   *quota.Checker
	limiter *ratelimit.Limiter
	log     *slog.Logger
}

// New creates a Pipeline.
func New(g *guard.Guard, store *config.Store, q *quota.Checker, l *ratelimit.Limiter, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{guard: g, store: store, quota: q, limiter: l, log: log}
}

// Run executes the stages in order. A nil Termination means the request
// is admitted and the body may be forwarded upstream. The returned
// Context is always non-nil; on termination it carries whatever state
// the completed stages produced (rate and quota results feed response
// headers even on rejection).
func (p *Pipeline) Run(ctx context.Context, req *Request) (rc *Context, term *Termination) {
	ctx, span := tracer.Start(ctx, "pipeline.run")
	defer func() {
		span.SetAttributes(
			attribute.String("gateway.network", rc.Network),
			attribute.Int64("gateway.cu", rc.CU),
		)
		if term != nil {
			span.SetAttributes(attribute.String("gateway.terminated", string(term.Reason)))
		}
		span.End()
	}()

	rc = &Context{
		Consumer: req.Consumer,
		StartTS:  time.Now(),
		Log:      p.log.With(slog.String("route", req.Route.ID)),
	}
	span.SetAttributes(attribute.String("gateway.route", req.Route.ID))
	consumerName := ""
	if req.Consumer != nil {
		consumerName = req.Consumer.Name
		rc.Log = rc.Log.With(slog.String("consumer", consumerName))
	}

	// Guard, before the body is even parsed.
	if err := p.guard.CheckPreParse(req.ClientIP, consumerName); err != nil {
		return rc, &Termination{
			Reason: ReasonGuard, HTTPStatus: http.StatusForbidden,
			Code: jsonrpc.CodeForbidden, Message: p.guard.Message(), Err: err,
		}
	}

	// Parse. Codec failures are business-class: HTTP 200 with an error
	// envelope, per JSON-RPC convention.
	parsed, err := jsonrpc.Parse(req.Body, req.Route.AllowPartial)
	if err != nil {
		code, msg := jsonrpc.CodeInternal, "internal error"
		var je *jsonrpc.Error
		if errors.As(err, &je) {
			code, msg = je.Code, je.Message
		}
		return rc, &Termination{
			Reason: ReasonParse, HTTPStatus: http.StatusOK,
			Code: code, Message: msg, Err: err,
		}
	}
	rc.Parsed = parsed

	// Guard again, now over the parsed methods.
	if err := p.guard.CheckPostParse(parsed.Methods); err != nil {
		return rc, &Termination{
			Reason: ReasonGuard, HTTPStatus: http.StatusForbidden,
			Code: jsonrpc.CodeForbidden, Message: p.guard.Message(), Err: err,
		}
	}

	// Network resolution. An empty result stays empty and fails the
	// whitelist lookup below (fail-closed).
	rc.Network = req.Route.NetworkOverride
	if rc.Network == "" {
		rc.Network = jsonrpc.ExtractNetwork(req.Host)
	}

	// Whitelist. The snapshot load is TTL-cached; a load failure with no
	// stale snapshot is a mandatory-stage failure.
	wl, err := p.store.LoadWhitelist(req.Route.ID, req.Route.WhitelistFile, req.Route.ConfigTTL, false)
	if err != nil {
		rc.Log.LogAttrs(ctx, slog.LevelError, "whitelist unavailable",
			slog.String("path", req.Route.WhitelistFile),
			slog.String("error", err.Error()))
		return rc, &Termination{
			Reason: ReasonUnavailable, HTTPStatus: http.StatusServiceUnavailable,
			Code: jsonrpc.CodeInternal, Message: "gateway configuration unavailable", Err: err,
		}
	}
	tier := gateway.TierFree
	if req.Consumer.IsPaid() {
		tier = gateway.TierPaid
	}
	if err := whitelist.Check(wl, rc.Network, tier, parsed.Methods); err != nil {
		code := jsonrpc.CodeMethodNotFound
		switch {
		case errors.Is(err, gateway.ErrUnsupportedNetwork):
			code = jsonrpc.CodeInvalidRequest
		case errors.Is(err, gateway.ErrPaidTierRequired):
			code = jsonrpc.CodeForbidden
		}
		return rc, &Termination{
			Reason: ReasonWhitelist, HTTPStatus: http.StatusMethodNotAllowed,
			Code: code, Message: err.Error(), Err: err,
		}
	}

	// CU pricing. A load failure degrades to 1 CU per method; pricing is
	// never a reason to reject.
	var pricing *config.CUConfig
	if req.Route.CUPricingFile != "" {
		pricing, err = p.store.LoadCUPricing(req.Route.ID, req.Route.CUPricingFile, req.Route.ConfigTTL, false)
		if err != nil {
			rc.Log.LogAttrs(ctx, slog.LevelWarn, "cu pricing unavailable, charging 1 cu per method",
				slog.String("path", req.Route.CUPricingFile),
				slog.String("error", err.Error()))
			pricing = nil
		}
	}
	rc.CU = cu.Total(pricing, parsed.Methods)

	// Monthly quota runs before the per-second limiter; a later
	// rate-limit rejection does not refund it.
	qres, err := p.quota.Charge(ctx, req.Consumer, rc.CU)
	rc.Quota = qres
	if err != nil {
		if errors.Is(err, gateway.ErrQuotaExceeded) {
			return rc, &Termination{
				Reason: ReasonQuota, HTTPStatus: http.StatusTooManyRequests,
				Code: jsonrpc.CodeQuotaExceeded, Message: gateway.ErrQuotaExceeded.Error(), Err: err,
			}
		}
		return rc, &Termination{
			Reason: ReasonUnavailable, HTTPStatus: http.StatusServiceUnavailable,
			Code: jsonrpc.CodeInternal, Message: gateway.ErrQuotaDown.Error(), Err: err,
		}
	}

	rres, err := p.limiter.Allow(ctx, req.Consumer, rc.CU)
	rc.RateLimit = rres
	if err != nil {
		if errors.Is(err, gateway.ErrRateLimited) {
			return rc, &Termination{
				Reason: ReasonRateLimit, HTTPStatus: http.StatusTooManyRequests,
				Code: jsonrpc.CodeRateLimited, Message: gateway.ErrRateLimited.Error(),
				RetryAfter: p.retryAfterSeconds(), Err: err,
			}
		}
		return rc, &Termination{
			Reason: ReasonUnavailable, HTTPStatus: http.StatusServiceUnavailable,
			Code: jsonrpc.CodeInternal, Message: gateway.ErrRateLimitDown.Error(), Err: err,
		}
	}

	return rc, nil
}

func (p *Pipeline) retryAfterSeconds() int {
	return int(max(p.limiter.WindowMs()/1000, 1))
}

// CheckHandshake runs the pre-parse guard for a WebSocket handshake,
// where there is no JSON-RPC body to evaluate yet.
func (p *Pipeline) CheckHandshake(clientIP string, consumer *gateway.Consumer) error {
	name := ""
	if consumer != nil {
		name = consumer.Name
	}
	return p.guard.CheckPreParse(clientIP, name)
}
