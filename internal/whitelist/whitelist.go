// Package whitelist evaluates parsed request methods against a route's
// whitelist snapshot, honoring the consumer tier.
package whitelist

import (
	"fmt"

	gateway "github.com/unifra/rpcgate/internal"
	"github.com/unifra/rpcgate/internal/config"
	"github.com/unifra/rpcgate/internal/jsonrpc"
)

// Check validates every method of a request against the whitelist for
// network. Evaluation short-circuits on the first failing method, in
// request order. Empty method slots (tombstoned batch entries) are
// skipped; they carry their own per-index errors.
//
// A method present in both tiers is free: the free list is consulted
// first, so free-tier consumers are never charged a tier error for it.
func Check(wl *config.WhitelistConfig, network string, tier gateway.Tier, methods []string) error {
	if wl == nil {
		return gateway.ErrUnsupportedNetwork
	}
	nm, ok := wl.Networks[network]
	if !ok {
		return fmt.Errorf("%w: %q", gateway.ErrUnsupportedNetwork, network)
	}

	for _, method := range methods {
		if method == "" {
			continue
		}
		if allowed(nm.FreeLookup, nm.FreeWildcards, method) {
			continue
		}
		if allowed(nm.PaidLookup, nm.PaidWildcards, method) {
			if tier == gateway.TierPaid {
				continue
			}
			return fmt.Errorf("method %s %w", method, gateway.ErrPaidTierRequired)
		}
		return fmt.Errorf("%w: %s", gateway.ErrUnsupportedMethod, method)
	}
	return nil
}

func allowed(exact map[string]struct{}, wildcards []string, method string) bool {
	if _, ok := exact[method]; ok {
		return true
	}
	for _, p := range wildcards {
		if jsonrpc.MatchMethod(method, p) {
			return true
		}
	}
	return false
}
