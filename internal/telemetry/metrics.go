// Package telemetry provides observability primitives for the rpcgate
// gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/unifra/rpcgate/internal/redisbreaker"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	CUConsumed          *prometheus.CounterVec
	RateLimitExceeded   *prometheus.CounterVec
	QuotaExceeded       *prometheus.CounterVec
	WhitelistRejections *prometheus.CounterVec
	GuardBlocks         *prometheus.CounterVec
	RedisOperations     *prometheus.CounterVec
	BreakerState        *prometheus.GaugeVec
	MonthlyUsed         *prometheus.GaugeVec
	WSConnectionsActive prometheus.Gauge
	WSMessages          *prometheus.CounterVec
	UsageQueueLength    prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rpcgate",
			Name:      "requests_total",
			Help:      "Total number of gateway requests.",
		}, []string{"route", "network", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rpcgate",
			Name:      "request_duration_seconds",
			Help:      "Gateway request duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"route", "network"}),

		CUConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rpcgate",
			Name:      "cu_consumed_total",
			Help:      "Total compute units admitted per consumer.",
		}, []string{"consumer", "network"}),

		RateLimitExceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rpcgate",
			Name:      "rate_limit_exceeded_total",
			Help:      "Total rate limit rejections by limiter kind.",
		}, []string{"consumer", "limit_type"}),

		QuotaExceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rpcgate",
			Name:      "quota_exceeded_total",
			Help:      "Total monthly quota rejections.",
		}, []string{"consumer"}),

		WhitelistRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rpcgate",
			Name:      "whitelist_rejections_total",
			Help:      "Total whitelist rejections.",
		}, []string{"network", "reason"}),

		GuardBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rpcgate",
			Name:      "guard_blocks_total",
			Help:      "Total guard blocks.",
		}, []string{"stage"}),

		RedisOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rpcgate",
			Name:      "redis_operations_total",
			Help:      "Total Redis operations by outcome.",
		}, []string{"op", "status"}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rpcgate",
			Name:      "redis_breaker_state",
			Help:      "Redis circuit breaker state (0 closed, 1 open, 2 half-open).",
		}, []string{"endpoint"}),

		MonthlyUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rpcgate",
			Name:      "monthly_cu_used",
			Help:      "Monthly CU counter as last observed per consumer.",
		}, []string{"consumer"}),

		WSConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rpcgate",
			Name:      "websocket_connections_active",
			Help:      "Currently open WebSocket connections.",
		}),

		WSMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rpcgate",
			Name:      "websocket_messages_total",
			Help:      "Total WebSocket messages by direction and outcome.",
		}, []string{"direction", "outcome"}),

		UsageQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rpcgate",
			Name:      "usage_queue_length",
			Help:      "Current number of queued usage records.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.CUConsumed,
		m.RateLimitExceeded,
		m.QuotaExceeded,
		m.WhitelistRejections,
		m.GuardBlocks,
		m.RedisOperations,
		m.BreakerState,
		m.MonthlyUsed,
		m.WSConnectionsActive,
		m.WSMessages,
		m.UsageQueueLength,
	)

	return m
}

// ObserveRedisOp counts one Redis call by operation and outcome. Passed
// as a callback to the limiter and quota checker so those packages do
// not depend on Prometheus.
func (m *Metrics) ObserveRedisOp(op, status string) {
	m.RedisOperations.WithLabelValues(op, status).Inc()
}

// ObserveBreakers copies the breaker registry's states into the state
// gauge. Called from the metrics collection loop.
func (m *Metrics) ObserveBreakers(reg *redisbreaker.Registry) {
	for endpoint, state := range reg.States() {
		m.BreakerState.WithLabelValues(endpoint).Set(float64(state))
	}
}
