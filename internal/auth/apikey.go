// Package auth implements API key authentication for the rpcgate
// gateway. Keys are resolved through a KeySource and cached in a
// W-TinyLFU cache; the default source is seeded from the config file.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/unifra/rpcgate/internal"
	"github.com/unifra/rpcgate/internal/config"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

// ErrNotFound is returned by a KeySource when no key matches the hash.
var ErrNotFound = errors.New("api key not found")

// Key is a provisioned API key record.
type Key struct {
	Hash         string // hex SHA-256 of the raw key
	Name         string // consumer name
	SecondsQuota int64
	MonthlyQuota int64
}

// KeySource resolves an API key record by its hash. Implementations may
// back onto config, a database, or a control-plane service.
type KeySource interface {
	LookupByHash(ctx context.Context, hash string) (*Key, error)
}

// APIKeyAuth authenticates requests using API keys with the "ufr_"
// prefix, presented as a Bearer token or in the X-API-Key header.
type APIKeyAuth struct {
	source        KeySource
	cache         *otter.Cache[string, *gateway.Consumer]
	paidThreshold int64
}

// NewAPIKeyAuth returns an APIKeyAuth backed by source. paidThreshold
// is the monthly quota above which a consumer is paid tier.
func NewAPIKeyAuth(source KeySource, paidThreshold int64) (*APIKeyAuth, error) {
	c, err := otter.New(&otter.Options[string, *gateway.Consumer]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.Consumer](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &APIKeyAuth{source: source, cache: c, paidThreshold: paidThreshold}, nil
}

// Authenticate extracts the API key from the request, validates it
// through the source, and returns the caller's consumer identity. Only
// keys with the "ufr_" prefix are handled; everything else returns
// ErrUnauthorized.
func (a *APIKeyAuth) Authenticate(ctx context.Context, r *http.Request) (*gateway.Consumer, error) {
	raw := extractKey(r)
	if raw == "" || !strings.HasPrefix(raw, gateway.APIKeyPrefix) {
		return nil, gateway.ErrUnauthorized
	}

	hash := gateway.HashKey(raw)
	if c, ok := a.cache.GetIfPresent(hash); ok {
		return c, nil
	}

	key, err := a.source.LookupByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, gateway.ErrUnauthorized
		}
		return nil, err
	}

	// The source lookup already matched, but compare in constant time to
	// guard against encoding surprises in alternative sources.
	if subtle.ConstantTimeCompare([]byte(key.Hash), []byte(hash)) != 1 {
		return nil, gateway.ErrUnauthorized
	}

	c := &gateway.Consumer{
		Name:         key.Name,
		SecondsQuota: key.SecondsQuota,
		MonthlyQuota: key.MonthlyQuota,
		Tier:         gateway.DeriveTier(key.MonthlyQuota, a.paidThreshold),
	}
	a.cache.Set(hash, c)
	return c, nil
}

// Invalidate removes a cached consumer by key hash. Used when a key is
// revoked or its quotas change.
func (a *APIKeyAuth) Invalidate(hash string) {
	a.cache.Invalidate(hash)
}

// extractKey pulls the raw credential from the Authorization Bearer
// header, falling back to X-API-Key.
func extractKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if raw, ok := strings.CutPrefix(h, "Bearer "); ok {
			return raw
		}
		return ""
	}
	return r.Header.Get("X-API-Key")
}

// ConfigSource is a KeySource seeded from the gateway config file.
type ConfigSource struct {
	byHash map[string]*Key
}

// NewConfigSource hashes the configured plaintext keys. Entries without
// a key or name are skipped.
func NewConfigSource(cfg config.AuthConfig) *ConfigSource {
	s := &ConfigSource{byHash: make(map[string]*Key, len(cfg.Keys))}
	for _, e := range cfg.Keys {
		if e.Key == "" || e.Name == "" {
			continue
		}
		hash := gateway.HashKey(e.Key)
		s.byHash[hash] = &Key{
			Hash:         hash,
			Name:         e.Name,
			SecondsQuota: e.SecondsQuota,
			MonthlyQuota: e.MonthlyQuota,
		}
	}
	return s
}

// LookupByHash implements KeySource.
func (s *ConfigSource) LookupByHash(_ context.Context, hash string) (*Key, error) {
	k, ok := s.byHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return k, nil
}
