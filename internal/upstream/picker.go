// Package upstream resolves and forwards admitted requests to the
// backing RPC nodes.
package upstream

import (
	"context"
	"fmt"

	gateway "github.com/unifra/rpcgate/internal"
	"github.com/unifra/rpcgate/internal/config"
)

// StaticPicker resolves upstreams from the route table in the config
// file. Dynamic load balancing and health checking can replace it
// behind the gateway.Picker interface without touching the server.
type StaticPicker struct {
	targets map[string]map[string]*gateway.Upstream // route -> network -> target
}

// NewStaticPicker builds the lookup table from the configured routes.
func NewStaticPicker(routes []config.RouteConfig) *StaticPicker {
	p := &StaticPicker{targets: make(map[string]map[string]*gateway.Upstream, len(routes))}
	for _, r := range routes {
		byNetwork := make(map[string]*gateway.Upstream, len(r.Upstreams))
		for network, e := range r.Upstreams {
			byNetwork[network] = &gateway.Upstream{
				HTTPURL:     e.HTTPURL,
				WSURL:       e.WSURL,
				ReadTimeout: e.ReadTimeout,
				InsecureTLS: e.InsecureTLS,
			}
		}
		p.targets[r.ID] = byNetwork
	}
	return p
}

// Pick implements gateway.Picker.
func (p *StaticPicker) Pick(_ context.Context, routeID, network string) (*gateway.Upstream, error) {
	byNetwork, ok := p.targets[routeID]
	if !ok {
		return nil, fmt.Errorf("%w: route %q", gateway.ErrNoUpstream, routeID)
	}
	up, ok := byNetwork[network]
	if !ok {
		return nil, fmt.Errorf("%w: network %q on route %q", gateway.ErrNoUpstream, network, routeID)
	}
	return up, nil
}
