package cu

import (
	"testing"

	"github.com/unifra/rpcgate/internal/config"
)

func testPricing() *config.CUConfig {
	return &config.CUConfig{
		Default: 10,
		Exact: map[string]int64{
			"eth_blockNumber": 5,
			"eth_getLogs":     75,
			"debug_traceCall": 40, // exact beats any wildcard
		},
		// Longest prefix first, as the config store installs them.
		Wildcards: []config.WildcardPrice{
			{Prefix: "debug_trace", CU: 200},
			{Prefix: "debug_", CU: 100},
			{Prefix: "trace_", CU: 150},
		},
	}
}

func TestCost(t *testing.T) {
	t.Parallel()
	p := testPricing()
	tests := []struct {
		method string
		want   int64
	}{
		{"eth_blockNumber", 5},
		{"eth_getLogs", 75},
		{"debug_traceCall", 40},          // exact wins over debug_trace*
		{"debug_traceTransaction", 200},  // most specific wildcard
		{"debug_getBadBlocks", 100},      // shorter wildcard
		{"trace_block", 150},
		{"eth_call", 10}, // default
		{"", 0},          // tombstone
	}
	for _, tt := range tests {
		if got := Cost(p, tt.method); got != tt.want {
			t.Errorf("Cost(%q) = %d, want %d", tt.method, got, tt.want)
		}
	}
}

func TestCost_NilPricing(t *testing.T) {
	t.Parallel()
	if got := Cost(nil, "eth_anything"); got != 1 {
		t.Errorf("nil pricing must cost 1, got %d", got)
	}
	if got := Cost(nil, ""); got != 0 {
		t.Errorf("tombstone must cost 0 even without pricing, got %d", got)
	}
}

func TestTotal(t *testing.T) {
	t.Parallel()
	p := testPricing()
	tests := []struct {
		name    string
		methods []string
		want    int64
	}{
		{"single", []string{"eth_blockNumber"}, 5},
		{"batch", []string{"eth_blockNumber", "eth_getLogs", "eth_call"}, 90},
		{"tombstones excluded", []string{"eth_blockNumber", "", "eth_call"}, 15},
		{"all tombstones", []string{"", ""}, 0},
		{"empty", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Total(p, tt.methods); got != tt.want {
				t.Errorf("Total = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestTotal_FloorsAtOne(t *testing.T) {
	t.Parallel()
	if got := Total(nil, []string{"m"}); got != 1 {
		t.Errorf("a real request must cost at least 1, got %d", got)
	}
}
