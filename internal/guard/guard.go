// Package guard implements the gateway's early-exit block lists: IPs
// and consumers are checked before the body is read, methods right
// after parsing. Lists are static for the life of the process; a config
// change means a restart, which keeps the hot path lock-free.
package guard

import (
	"fmt"

	gateway "github.com/unifra/rpcgate/internal"
	"github.com/unifra/rpcgate/internal/config"
	"github.com/unifra/rpcgate/internal/jsonrpc"
)

// Guard holds the compiled block lists.
type Guard struct {
	enabled          bool
	blockedIPs       map[string]struct{}
	blockedConsumers map[string]struct{}
	blockedMethods   map[string]struct{} // exact entries
	methodPatterns   []string            // suffix-* entries
	message          string
}

// New compiles a Guard from config. A disabled guard blocks nothing.
func New(cfg config.GuardConfig) *Guard {
	g := &Guard{
		enabled:          cfg.Enabled,
		blockedIPs:       make(map[string]struct{}, len(cfg.BlockedIPs)),
		blockedConsumers: make(map[string]struct{}, len(cfg.BlockedConsumers)),
		blockedMethods:   make(map[string]struct{}, len(cfg.BlockedMethods)),
		message:          cfg.BlockMessage,
	}
	if g.message == "" {
		g.message = "access temporarily blocked"
	}
	for _, ip := range cfg.BlockedIPs {
		g.blockedIPs[ip] = struct{}{}
	}
	for _, c := range cfg.BlockedConsumers {
		g.blockedConsumers[c] = struct{}{}
	}
	for _, m := range cfg.BlockedMethods {
		if len(m) > 0 && m[len(m)-1] == '*' {
			g.methodPatterns = append(g.methodPatterns, m)
		} else {
			g.blockedMethods[m] = struct{}{}
		}
	}
	return g
}

// Message is the operator-facing text returned with a block.
func (g *Guard) Message() string { return g.message }

// CheckPreParse blocks on client IP or consumer name. It runs before
// the request body is read so blocked traffic costs almost nothing.
func (g *Guard) CheckPreParse(ip, consumer string) error {
	if !g.enabled {
		return nil
	}
	if ip != "" {
		if _, ok := g.blockedIPs[ip]; ok {
			return fmt.Errorf("%w: ip %s", gateway.ErrGuardBlocked, ip)
		}
	}
	if consumer != "" {
		if _, ok := g.blockedConsumers[consumer]; ok {
			return fmt.Errorf("%w: consumer %s", gateway.ErrGuardBlocked, consumer)
		}
	}
	return nil
}

// CheckPostParse blocks on request methods, including every entry of a
// batch. Tombstoned entries (empty method) are skipped.
func (g *Guard) CheckPostParse(methods []string) error {
	if !g.enabled {
		return nil
	}
	for _, m := range methods {
		if m == "" {
			continue
		}
		if _, ok := g.blockedMethods[m]; ok {
			return fmt.Errorf("%w: method %s", gateway.ErrGuardBlocked, m)
		}
		for _, p := range g.methodPatterns {
			if jsonrpc.MatchMethod(m, p) {
				return fmt.Errorf("%w: method %s", gateway.ErrGuardBlocked, m)
			}
		}
	}
	return nil
}
