package whitelist

import (
	"errors"
	"strings"
	"testing"

	gateway "github.com/unifra/rpcgate/internal"
	"github.com/unifra/rpcgate/internal/config"
)

func testWhitelist() *config.WhitelistConfig {
	return &config.WhitelistConfig{
		Networks: map[string]*config.NetworkMethods{
			"eth-mainnet": {
				FreeLookup: map[string]struct{}{
					"eth_blockNumber": {},
					"eth_call":        {},
					"dual_method":     {},
				},
				FreeWildcards: []string{"net_*"},
				PaidLookup: map[string]struct{}{
					"trace_block": {},
					"dual_method": {},
				},
				PaidWildcards: []string{"debug_*"},
			},
		},
	}
}

func TestCheck(t *testing.T) {
	t.Parallel()
	wl := testWhitelist()
	tests := []struct {
		name    string
		network string
		tier    gateway.Tier
		methods []string
		wantErr error
	}{
		{"free exact", "eth-mainnet", gateway.TierFree, []string{"eth_blockNumber"}, nil},
		{"free wildcard", "eth-mainnet", gateway.TierFree, []string{"net_version"}, nil},
		{"paid method on paid tier", "eth-mainnet", gateway.TierPaid, []string{"trace_block"}, nil},
		{"paid wildcard on paid tier", "eth-mainnet", gateway.TierPaid, []string{"debug_traceTransaction"}, nil},
		{"paid method on free tier", "eth-mainnet", gateway.TierFree, []string{"trace_block"}, gateway.ErrPaidTierRequired},
		{"paid wildcard on free tier", "eth-mainnet", gateway.TierFree, []string{"debug_traceCall"}, gateway.ErrPaidTierRequired},
		{"unknown method", "eth-mainnet", gateway.TierPaid, []string{"admin_peers"}, gateway.ErrUnsupportedMethod},
		{"unknown network", "solana-mainnet", gateway.TierPaid, []string{"eth_call"}, gateway.ErrUnsupportedNetwork},
		{"empty network", "", gateway.TierPaid, []string{"eth_call"}, gateway.ErrUnsupportedNetwork},
		{"batch all allowed", "eth-mainnet", gateway.TierFree, []string{"eth_call", "net_listening", "eth_blockNumber"}, nil},
		{"batch one rejected", "eth-mainnet", gateway.TierFree, []string{"eth_call", "admin_peers"}, gateway.ErrUnsupportedMethod},
		{"dual listed is free", "eth-mainnet", gateway.TierFree, []string{"dual_method"}, nil},
		{"empty batch", "eth-mainnet", gateway.TierFree, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Check(wl, tt.network, tt.tier, tt.methods)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCheck_ShortCircuitsOnFirstFailure(t *testing.T) {
	t.Parallel()
	wl := testWhitelist()
	// The second method fails; the later paid-tier violation is never reached.
	err := Check(wl, "eth-mainnet", gateway.TierFree, []string{"eth_call", "admin_peers", "trace_block"})
	if !errors.Is(err, gateway.ErrUnsupportedMethod) {
		t.Fatalf("error = %v, want first failure (unsupported method)", err)
	}
	if !strings.Contains(err.Error(), "admin_peers") {
		t.Errorf("error should name the failing method: %v", err)
	}
}

func TestCheck_SkipsTombstones(t *testing.T) {
	t.Parallel()
	wl := testWhitelist()
	// Empty slots mark tombstoned batch entries and are not evaluated.
	if err := Check(wl, "eth-mainnet", gateway.TierFree, []string{"eth_call", "", "net_version"}); err != nil {
		t.Fatalf("tombstones must be skipped: %v", err)
	}
}

func TestCheck_NilSnapshot(t *testing.T) {
	t.Parallel()
	if err := Check(nil, "eth-mainnet", gateway.TierPaid, []string{"eth_call"}); !errors.Is(err, gateway.ErrUnsupportedNetwork) {
		t.Fatalf("nil snapshot = %v, want unsupported network", err)
	}
}
