// Package server implements the HTTP and WebSocket transport for the
// rpcgate gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gateway "github.com/unifra/rpcgate/internal"
	"github.com/unifra/rpcgate/internal/config"
	"github.com/unifra/rpcgate/internal/jsonrpc"
	"github.com/unifra/rpcgate/internal/pipeline"
	"github.com/unifra/rpcgate/internal/telemetry"
	"github.com/unifra/rpcgate/internal/upstream"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// UsageRecorder records accounted requests asynchronously.
type UsageRecorder interface {
	Record(gateway.UsageRecord)
}

// Deps holds all dependencies for the transport layer.
type Deps struct {
	Auth       gateway.Authenticator
	Pipeline   *pipeline.Pipeline
	Picker     gateway.Picker
	Forwarder  *upstream.Forwarder
	Routes     []config.RouteConfig
	Metrics    *telemetry.Metrics  // nil = no metrics
	Gatherer   prometheus.Gatherer // nil = no /metrics endpoint
	Usage      UsageRecorder       // nil = no usage recording
	ReadyCheck ReadyChecker        // nil = always ready (for tests)
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(s.metrics)
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// The RPC surface: one catch-all. Network and route resolution is
	// host-based, not path-based.
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.HandleFunc("/*", s.handleRPC)
	})

	return r
}

type server struct {
	deps Deps
}

// routeFor resolves the serving route for a request host: the route
// whose upstream table covers the host's network wins, then a route
// with id "default", then the first configured route.
func (s *server) routeFor(host string) *config.RouteConfig {
	routes := s.deps.Routes
	if len(routes) == 0 {
		return nil
	}
	if len(routes) > 1 {
		network := jsonrpc.ExtractNetwork(host)
		for i := range routes {
			if routes[i].NetworkOverride == network && network != "" {
				return &routes[i]
			}
			if _, ok := routes[i].Upstreams[network]; ok {
				return &routes[i]
			}
		}
		for i := range routes {
			if routes[i].ID == "default" {
				return &routes[i]
			}
		}
	}
	return &routes[0]
}
