// Package cu computes compute-unit costs for parsed requests from a
// route's pricing snapshot.
package cu

import (
	"strings"

	"github.com/unifra/rpcgate/internal/config"
)

// Cost returns the compute-unit price for one method: the exact entry
// if present, otherwise the most specific wildcard (the snapshot keeps
// wildcards sorted longest-prefix-first), otherwise the default. A nil
// snapshot prices every method at 1 so accounting never stalls on a
// missing pricing file. Tombstoned entries (empty method) cost 0.
func Cost(pricing *config.CUConfig, method string) int64 {
	if method == "" {
		return 0
	}
	if pricing == nil {
		return 1
	}
	if c, ok := pricing.Exact[method]; ok {
		return c
	}
	for _, w := range pricing.Wildcards {
		if strings.HasPrefix(method, w.Prefix) {
			return w.CU
		}
	}
	return pricing.Default
}

// Total sums the cost of every method in a request. A request with at
// least one real method always costs at least 1.
func Total(pricing *config.CUConfig, methods []string) int64 {
	var total int64
	charged := false
	for _, m := range methods {
		if m == "" {
			continue
		}
		charged = true
		total += Cost(pricing, m)
	}
	if charged && total < 1 {
		return 1
	}
	return total
}
