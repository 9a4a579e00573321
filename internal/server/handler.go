package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	gateway "github.com/unifra/rpcgate/internal"
	"github.com/unifra/rpcgate/internal/jsonrpc"
	"github.com/unifra/rpcgate/internal/pipeline"
)

// jsonCT avoids the []string{v} alloc from Header.Set on the hot path.
var jsonCT = []string{"application/json"}

// handleRPC is the single entry point for the RPC surface: WebSocket
// upgrades branch into the message loop, everything else is HTTP POST.
func (s *server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.handleWS(w, r)
		return
	}
	if r.Method != http.MethodPost {
		writeRPCError(w, http.StatusMethodNotAllowed,
			jsonrpc.CodeInvalidRequest, "only POST and WebSocket upgrade are accepted", nil)
		return
	}

	route := s.routeFor(r.Host)
	if route == nil {
		writeRPCError(w, http.StatusServiceUnavailable,
			jsonrpc.CodeInternal, "no route configured", nil)
		return
	}

	// Read one byte past the cap so the codec can reject oversized bodies
	// with a parse error instead of silently truncating them.
	body, err := io.ReadAll(io.LimitReader(r.Body, jsonrpc.MaxBodyBytes+1))
	if err != nil {
		writeRPCError(w, http.StatusBadRequest,
			jsonrpc.CodeParseError, "failed to read request body", nil)
		return
	}

	consumer := gateway.ConsumerFromContext(r.Context())
	rc, term := s.deps.Pipeline.Run(r.Context(), &pipeline.Request{
		Route:    route,
		Body:     body,
		Host:     r.Host,
		ClientIP: clientIP(r),
		Consumer: consumer,
	})
	if term != nil {
		s.writeTermination(w, rc, term)
		return
	}

	up, err := s.deps.Picker.Pick(r.Context(), route.ID, rc.Network)
	if err != nil {
		rc.Log.LogAttrs(r.Context(), slog.LevelError, "no upstream",
			slog.String("network", rc.Network),
			slog.String("error", err.Error()))
		writeRPCError(w, http.StatusServiceUnavailable,
			jsonrpc.CodeInternal, gateway.ErrNoUpstream.Error(), firstID(rc))
		return
	}

	setAccountingHeaders(w, rc)

	// Track whether the upstream response started, so a forward failure
	// after the first byte is logged instead of producing a second status.
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	if err := s.deps.Forwarder.Forward(r.Context(), up, sw, r, body); err != nil {
		rc.Log.LogAttrs(r.Context(), slog.LevelError, "upstream forward failed",
			slog.String("network", rc.Network),
			slog.String("error", err.Error()))
		if !sw.wroteHeader {
			writeRPCError(sw, http.StatusBadGateway,
				jsonrpc.CodeInternal, "upstream request failed", firstID(rc))
		}
	}

	s.recordUsage(rc, sw.status, false)
}

// writeTermination renders an early pipeline exit: accounting headers,
// error taxonomy headers, then the JSON-RPC error envelope.
func (s *server) writeTermination(w http.ResponseWriter, rc *pipeline.Context, term *pipeline.Termination) {
	setAccountingHeaders(w, rc)
	if term.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(term.RetryAfter))
	}
	w.Header().Set("X-Error-Code", strconv.Itoa(term.Code))
	category := gateway.CategoryGateway
	if term.HTTPStatus == http.StatusOK {
		category = gateway.CategoryBusiness
	}
	w.Header().Set("X-Error-Category", string(category))

	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(term.HTTPStatus)
	if rc.Parsed != nil && rc.Parsed.IsBatch {
		w.Write(jsonrpc.BatchErrorResponse(term.Code, term.Message, rc.Parsed.IDs))
	} else {
		w.Write(jsonrpc.ErrorResponse(term.Code, term.Message, firstID(rc)))
	}

	s.countTermination(rc, term)
}

// countTermination increments the rejection counter matching the
// termination reason.
func (s *server) countTermination(rc *pipeline.Context, term *pipeline.Termination) {
	m := s.deps.Metrics
	if m == nil {
		return
	}
	consumer := ""
	if rc.Consumer != nil {
		consumer = rc.Consumer.Name
	}
	switch term.Reason {
	case pipeline.ReasonGuard:
		stage := "post_parse"
		if rc.Parsed == nil {
			stage = "pre_parse"
		}
		m.GuardBlocks.WithLabelValues(stage).Inc()
	case pipeline.ReasonWhitelist:
		reason := "unsupported_method"
		switch term.Code {
		case jsonrpc.CodeInvalidRequest:
			reason = "unsupported_network"
		case jsonrpc.CodeForbidden:
			reason = "paid_tier_required"
		}
		m.WhitelistRejections.WithLabelValues(rc.Network, reason).Inc()
	case pipeline.ReasonQuota:
		m.QuotaExceeded.WithLabelValues(consumer).Inc()
	case pipeline.ReasonRateLimit:
		m.RateLimitExceeded.WithLabelValues(consumer, "sliding").Inc()
	}
}

// recordUsage emits per-request accounting: CU metrics and the async
// usage record for billing reconciliation.
func (s *server) recordUsage(rc *pipeline.Context, status int, ws bool) {
	consumer := ""
	if rc.Consumer != nil {
		consumer = rc.Consumer.Name
	}
	if m := s.deps.Metrics; m != nil {
		m.CUConsumed.WithLabelValues(consumer, rc.Network).Add(float64(rc.CU))
		if rc.Quota.Limit > 0 {
			m.MonthlyUsed.WithLabelValues(consumer).Set(float64(rc.Quota.Used))
		}
	}
	if s.deps.Usage == nil {
		return
	}
	methods := 0
	if rc.Parsed != nil {
		methods = rc.Parsed.Count
	}
	s.deps.Usage.Record(gateway.UsageRecord{
		ID:         uuid.Must(uuid.NewV7()).String(),
		Consumer:   consumer,
		Network:    rc.Network,
		Methods:    methods,
		CU:         rc.CU,
		StatusCode: status,
		LatencyMs:  int(time.Since(rc.StartTS).Milliseconds()),
		WebSocket:  ws,
		CreatedAt:  time.Now().UTC(),
	})
}

// setAccountingHeaders exposes rate-limit and monthly-quota state on
// every response that reached those stages, accepted or rejected.
func setAccountingHeaders(w http.ResponseWriter, rc *pipeline.Context) {
	h := w.Header()
	if rl := rc.RateLimit; rl.Limit > 0 {
		h.Set("X-RateLimit-Limit", strconv.FormatInt(rl.Limit, 10))
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(rl.Remaining, 10))
		h.Set("X-RateLimit-Window", strconv.FormatInt(rl.WindowMs, 10))
		h.Set("X-RateLimit-Type", "sliding")
	}
	if q := rc.Quota; q.Limit > 0 {
		h.Set("X-Monthly-Quota", strconv.FormatInt(q.Limit, 10))
		h.Set("X-Monthly-Used", strconv.FormatInt(q.Used, 10))
		h.Set("X-Monthly-Remaining", strconv.FormatInt(q.Remaining, 10))
	}
}

// firstID returns the id to echo in a single error envelope: the first
// parsed id, or nil (rendered as null) when parsing never completed.
func firstID(rc *pipeline.Context) json.RawMessage {
	if rc != nil && rc.Parsed != nil && len(rc.Parsed.IDs) > 0 {
		return rc.Parsed.IDs[0]
	}
	return nil
}

// writeRPCError writes a single JSON-RPC error envelope with the given
// HTTP status. Used for failures outside the pipeline (auth, routing,
// upstream) where there is at most one id to echo.
func writeRPCError(w http.ResponseWriter, status, code int, message string, id json.RawMessage) {
	w.Header()["Content-Type"] = jsonCT
	w.Header().Set("X-Error-Code", strconv.Itoa(code))
	w.Header().Set("X-Error-Category", string(gateway.CategoryGateway))
	w.WriteHeader(status)
	w.Write(jsonrpc.ErrorResponse(code, message, id))
}

// clientIP extracts the remote IP without the port.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
