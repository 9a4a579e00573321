package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/unifra/rpcgate/internal/jsonrpc"
)

// statusText maps HTTP status codes to pre-allocated strings,
// avoiding a strconv.Itoa allocation per request.
var statusText [600]string

func init() {
	for i := range statusText {
		statusText[i] = strconv.Itoa(i)
	}
}

// metrics records request count and duration, labeled by route and
// network. Host resolution is repeated here rather than threaded through
// the context: it is two map lookups and keeps the middleware free of
// handler coupling.
func (s *server) metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.status = http.StatusOK
		sw.wroteHeader = false

		next.ServeHTTP(sw, r)

		elapsed := time.Since(start).Seconds()
		status := sw.status
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)

		routeID, network := s.labelsFor(r.Host)
		statusStr := statusText[status]

		m := s.deps.Metrics
		m.RequestsTotal.WithLabelValues(routeID, network, statusStr).Inc()
		m.RequestDuration.WithLabelValues(routeID, network).Observe(elapsed)
	})
}

// labelsFor derives bounded-cardinality route and network labels from a
// request host.
func (s *server) labelsFor(host string) (routeID, network string) {
	routeID, network = "unknown", "unknown"
	route := s.routeFor(host)
	if route != nil {
		routeID = route.ID
		if route.NetworkOverride != "" {
			return routeID, route.NetworkOverride
		}
	}
	if n := jsonrpc.ExtractNetwork(host); n != "" {
		network = n
	}
	return routeID, network
}
