package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
	"go.yaml.in/yaml/v3"
)

const storeMaxEntries = 1_000 // routes x files; generous for any deployment

// WhitelistConfig is a processed whitelist snapshot: per-network method
// patterns split by tier, with derived exact-match lookup sets and
// wildcard lists. Snapshots are immutable once installed.
type WhitelistConfig struct {
	Networks map[string]*NetworkMethods
}

// NetworkMethods holds the allowed patterns for one network.
// FreeLookup/PaidLookup contain every non-wildcard entry of the
// corresponding pattern list; the wildcard lists preserve file order.
type NetworkMethods struct {
	Free          []string
	Paid          []string
	FreeLookup    map[string]struct{}
	PaidLookup    map[string]struct{}
	FreeWildcards []string
	PaidWildcards []string
}

// CUConfig is a processed compute-unit pricing snapshot. Wildcards are
// sorted longest-prefix-first so lookup order is deterministic.
type CUConfig struct {
	Default   int64
	Exact     map[string]int64
	Wildcards []WildcardPrice
}

// WildcardPrice is one prefix-with-* pricing entry.
type WildcardPrice struct {
	Prefix string // pattern with the trailing '*' removed
	CU     int64
}

// whitelistFile is the on-disk whitelist schema.
type whitelistFile struct {
	Networks map[string]struct {
		Free []string `json:"free" yaml:"free"`
		Paid []string `json:"paid" yaml:"paid"`
	} `json:"networks" yaml:"networks"`
}

// cuFile is the on-disk CU pricing schema.
type cuFile struct {
	Default int64            `json:"default" yaml:"default"`
	Methods map[string]int64 `json:"methods" yaml:"methods"`
}

// entry is one cached snapshot. loadedAt gates TTL expiry at read time
// so a failed reload can fall back to the stale snapshot.
type entry[T any] struct {
	snapshot *T
	loadedAt time.Time
}

// Store is the per-route configuration cache. Entries are keyed by
// (route id, file path): two routes referencing distinct files never
// share state, and two routes referencing the same file still reload
// independently.
type Store struct {
	whitelists *otter.Cache[string, entry[WhitelistConfig]]
	pricing    *otter.Cache[string, entry[CUConfig]]

	// reloadMu serialises disk reloads so a config flap does not cause
	// a thundering herd of parses. Readers never take it.
	reloadMu sync.Mutex
}

// NewStore creates an empty config store.
func NewStore() (*Store, error) {
	wl, err := otter.New(&otter.Options[string, entry[WhitelistConfig]]{MaximumSize: storeMaxEntries})
	if err != nil {
		return nil, fmt.Errorf("create whitelist cache: %w", err)
	}
	cu, err := otter.New(&otter.Options[string, entry[CUConfig]]{MaximumSize: storeMaxEntries})
	if err != nil {
		return nil, fmt.Errorf("create pricing cache: %w", err)
	}
	return &Store{whitelists: wl, pricing: cu}, nil
}

func cacheKey(routeID, path string) string { return routeID + "|" + path }

// LoadWhitelist returns the whitelist snapshot for (routeID, path),
// reloading from disk when the cached copy is older than ttl or when
// forceReload is set. A ttl of 0 disables caching. A failed reload
// returns the stale snapshot and logs; partially parsed state is never
// installed.
func (s *Store) LoadWhitelist(routeID, path string, ttl time.Duration, forceReload bool) (*WhitelistConfig, error) {
	return loadVia(s, s.whitelists, routeID, path, ttl, forceReload, parseWhitelist)
}

// LoadCUPricing is LoadWhitelist's twin for CU pricing files.
func (s *Store) LoadCUPricing(routeID, path string, ttl time.Duration, forceReload bool) (*CUConfig, error) {
	return loadVia(s, s.pricing, routeID, path, ttl, forceReload, parseCUPricing)
}

// ClearCache drops every cached snapshot of both kinds.
func (s *Store) ClearCache() {
	s.whitelists.InvalidateAll()
	s.pricing.InvalidateAll()
}

// loadVia implements the TTL-gated load-or-reload protocol for one kind.
func loadVia[T any](s *Store, cache *otter.Cache[string, entry[T]], routeID, path string,
	ttl time.Duration, forceReload bool, parse func([]byte, bool) (*T, error)) (*T, error) {

	key := cacheKey(routeID, path)
	cached, haveCached := cache.GetIfPresent(key)
	if haveCached && !forceReload && ttl > 0 && time.Since(cached.loadedAt) < ttl {
		return cached.snapshot, nil
	}

	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	// Another goroutine may have reloaded while we waited on the lock.
	if cached, ok := cache.GetIfPresent(key); ok && !forceReload && ttl > 0 && time.Since(cached.loadedAt) < ttl {
		return cached.snapshot, nil
	}

	snap, err := loadFile(path, parse)
	if err != nil {
		if haveCached {
			slog.Warn("config reload failed, serving stale snapshot",
				"route", routeID, "path", path, "error", err)
			return cached.snapshot, nil
		}
		return nil, err
	}

	if ttl > 0 {
		cache.Set(key, entry[T]{snapshot: snap, loadedAt: time.Now()})
	}
	return snap, nil
}

type fileCandidate struct {
	path string
	json bool
}

// loadFile reads path and parses it by extension. A path without a
// recognised extension tries path.json first (JSON preferred), then
// path.yaml and path.yml.
func loadFile[T any](path string, parse func([]byte, bool) (*T, error)) (*T, error) {
	var candidates []fileCandidate
	switch {
	case strings.HasSuffix(path, ".json"):
		candidates = []fileCandidate{{path, true}}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		candidates = []fileCandidate{{path, false}}
	default:
		candidates = []fileCandidate{
			{path + ".json", true},
			{path + ".yaml", false},
			{path + ".yml", false},
		}
	}

	var lastErr error
	for _, c := range candidates {
		data, err := os.ReadFile(c.path)
		if err != nil {
			lastErr = err
			continue
		}
		return parse(data, c.json)
	}
	return nil, fmt.Errorf("load config file %q: %w", path, lastErr)
}

// parseWhitelist decodes and processes a whitelist file into a snapshot.
func parseWhitelist(data []byte, asJSON bool) (*WhitelistConfig, error) {
	var raw whitelistFile
	if err := decode(data, asJSON, &raw); err != nil {
		return nil, fmt.Errorf("parse whitelist: %w", err)
	}

	cfg := &WhitelistConfig{Networks: make(map[string]*NetworkMethods, len(raw.Networks))}
	for network, tiers := range raw.Networks {
		nm := &NetworkMethods{
			Free:       tiers.Free,
			Paid:       tiers.Paid,
			FreeLookup: make(map[string]struct{}, len(tiers.Free)),
			PaidLookup: make(map[string]struct{}, len(tiers.Paid)),
		}
		for _, p := range tiers.Free {
			if strings.HasSuffix(p, "*") {
				nm.FreeWildcards = append(nm.FreeWildcards, p)
			} else {
				nm.FreeLookup[p] = struct{}{}
			}
		}
		for _, p := range tiers.Paid {
			if strings.HasSuffix(p, "*") {
				nm.PaidWildcards = append(nm.PaidWildcards, p)
			} else {
				nm.PaidLookup[p] = struct{}{}
			}
		}
		cfg.Networks[network] = nm
	}
	return cfg, nil
}

// parseCUPricing decodes and processes a CU pricing file into a snapshot.
// The default price is normalised to at least 1; wildcard entries are
// sorted longest-prefix-first so the most specific pattern wins.
func parseCUPricing(data []byte, asJSON bool) (*CUConfig, error) {
	var raw cuFile
	if err := decode(data, asJSON, &raw); err != nil {
		return nil, fmt.Errorf("parse cu pricing: %w", err)
	}

	cfg := &CUConfig{
		Default: max(raw.Default, 1),
		Exact:   make(map[string]int64, len(raw.Methods)),
	}
	for pattern, cu := range raw.Methods {
		cu = max(cu, 1)
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
			cfg.Wildcards = append(cfg.Wildcards, WildcardPrice{Prefix: prefix, CU: cu})
		} else {
			cfg.Exact[pattern] = cu
		}
	}
	sort.Slice(cfg.Wildcards, func(i, j int) bool {
		a, b := cfg.Wildcards[i], cfg.Wildcards[j]
		if len(a.Prefix) != len(b.Prefix) {
			return len(a.Prefix) > len(b.Prefix)
		}
		return a.Prefix < b.Prefix
	})
	return cfg, nil
}

func decode(data []byte, asJSON bool, v any) error {
	if asJSON {
		return json.Unmarshal(data, v)
	}
	return yaml.Unmarshal(data, v)
}
