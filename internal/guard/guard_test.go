package guard

import (
	"errors"
	"testing"

	gateway "github.com/unifra/rpcgate/internal"
	"github.com/unifra/rpcgate/internal/config"
)

func testGuard() *Guard {
	return New(config.GuardConfig{
		Enabled:          true,
		BlockedIPs:       []string{"203.0.113.7"},
		BlockedConsumers: []string{"abuser"},
		BlockedMethods:   []string{"eth_sendRawTransaction", "admin_*"},
		BlockMessage:     "contact support",
	})
}

func TestCheckPreParse(t *testing.T) {
	t.Parallel()
	g := testGuard()
	tests := []struct {
		name        string
		ip, conname string
		blocked     bool
	}{
		{"clean", "198.51.100.1", "acme", false},
		{"blocked ip", "203.0.113.7", "acme", true},
		{"blocked consumer", "198.51.100.1", "abuser", true},
		{"empty identity", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := g.CheckPreParse(tt.ip, tt.conname)
			if tt.blocked != (err != nil) {
				t.Fatalf("blocked = %v, err = %v", tt.blocked, err)
			}
			if err != nil && !errors.Is(err, gateway.ErrGuardBlocked) {
				t.Errorf("err = %v, want ErrGuardBlocked", err)
			}
		})
	}
}

func TestCheckPostParse(t *testing.T) {
	t.Parallel()
	g := testGuard()
	tests := []struct {
		name    string
		methods []string
		blocked bool
	}{
		{"clean", []string{"eth_call", "eth_blockNumber"}, false},
		{"exact match", []string{"eth_sendRawTransaction"}, true},
		{"pattern match", []string{"admin_peers"}, true},
		{"batch with one blocked", []string{"eth_call", "admin_nodeInfo"}, true},
		{"tombstones skipped", []string{"", "eth_call"}, false},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := g.CheckPostParse(tt.methods)
			if tt.blocked != (err != nil) {
				t.Fatalf("blocked = %v, err = %v", tt.blocked, err)
			}
		})
	}
}

func TestDisabledGuardBlocksNothing(t *testing.T) {
	t.Parallel()
	g := New(config.GuardConfig{
		Enabled:        false,
		BlockedIPs:     []string{"203.0.113.7"},
		BlockedMethods: []string{"*"},
	})
	if err := g.CheckPreParse("203.0.113.7", "anyone"); err != nil {
		t.Errorf("disabled guard must pass IPs: %v", err)
	}
	if err := g.CheckPostParse([]string{"eth_call"}); err != nil {
		t.Errorf("disabled guard must pass methods: %v", err)
	}
}

func TestMessageDefault(t *testing.T) {
	t.Parallel()
	if got := New(config.GuardConfig{}).Message(); got == "" {
		t.Error("default block message must not be empty")
	}
	if got := testGuard().Message(); got != "contact support" {
		t.Errorf("message = %q", got)
	}
}
