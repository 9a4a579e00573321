package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

func TestParse_Single(t *testing.T) {
	t.Parallel()
	body := []byte(`{"jsonrpc":"2.0","method":"eth_blockNumber","params":[],"id":1}`)

	p, err := Parse(body, false)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.IsBatch {
		t.Error("single request should not be a batch")
	}
	if p.Count != 1 || len(p.Methods) != 1 || len(p.IDs) != 1 {
		t.Fatalf("count = %d, methods = %d, ids = %d; want 1 each", p.Count, len(p.Methods), len(p.IDs))
	}
	if p.Methods[0] != "eth_blockNumber" {
		t.Errorf("method = %q", p.Methods[0])
	}
	if string(p.IDs[0]) != "1" {
		t.Errorf("id = %s", p.IDs[0])
	}
	if string(p.Raw) != string(body) {
		t.Error("raw body must be retained for pass-through")
	}
}

func TestParse_Batch(t *testing.T) {
	t.Parallel()
	body := []byte(`[{"jsonrpc":"2.0","method":"eth_blockNumber","id":1},
		{"jsonrpc":"2.0","method":"eth_chainId","id":"two"},
		{"jsonrpc":"2.0","method":"eth_gasPrice","id":null}]`)

	p, err := Parse(body, false)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !p.IsBatch {
		t.Error("should be a batch")
	}
	if p.Count != 3 || len(p.Methods) != p.Count || len(p.IDs) != p.Count {
		t.Fatalf("lengths must equal count: count=%d methods=%d ids=%d", p.Count, len(p.Methods), len(p.IDs))
	}
	want := []string{"eth_blockNumber", "eth_chainId", "eth_gasPrice"}
	for i, m := range want {
		if p.Methods[i] != m {
			t.Errorf("method[%d] = %q, want %q", i, p.Methods[i], m)
		}
	}
	if string(p.IDs[1]) != `"two"` {
		t.Errorf("id[1] = %s", p.IDs[1])
	}
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		code int
	}{
		{"empty body", "", CodeParseError},
		{"whitespace body", "  \n ", CodeParseError},
		{"invalid json", "{invalid", CodeParseError},
		{"invalid batch json", "[{]", CodeParseError},
		{"empty batch", "[]", CodeInvalidRequest},
		{"scalar", `42`, CodeInvalidRequest},
		{"missing method", `{"jsonrpc":"2.0","id":1}`, CodeInvalidRequest},
		{"empty method", `{"method":"","id":1}`, CodeInvalidRequest},
		{"non-object in batch", `[42]`, CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body), false)
			if err == nil {
				t.Fatal("expected error")
			}
			pe, ok := err.(*Error)
			if !ok {
				t.Fatalf("error type %T", err)
			}
			if pe.Code != tt.code {
				t.Errorf("code = %d, want %d", pe.Code, tt.code)
			}
		})
	}
}

func TestParse_BodyTooLarge(t *testing.T) {
	t.Parallel()
	// Exactly 1 MiB is accepted (a valid padded request), 1 MiB + 1 is not.
	const template = `{"method":"m","id":1,"params":["%s"]}`
	pad := strings.Repeat("x", MaxBodyBytes-(len(template)-2))
	exact := []byte(fmt.Sprintf(template, pad))
	if len(exact) != MaxBodyBytes {
		t.Fatalf("test setup: body is %d bytes, want %d", len(exact), MaxBodyBytes)
	}
	if _, err := Parse(exact, false); err != nil {
		t.Fatalf("1 MiB body should parse: %v", err)
	}

	over := append(exact, ' ')
	_, err := Parse(over, false)
	if err == nil {
		t.Fatal("1 MiB + 1 must be rejected")
	}
	if pe := err.(*Error); pe.Code != CodeParseError {
		t.Errorf("code = %d, want %d", pe.Code, CodeParseError)
	}
}

func TestParse_BatchBounds(t *testing.T) {
	t.Parallel()
	mkBatch := func(n int) []byte {
		calls := make([]string, n)
		for i := range calls {
			calls[i] = fmt.Sprintf(`{"method":"eth_chainId","id":%d}`, i)
		}
		return []byte("[" + strings.Join(calls, ",") + "]")
	}

	if p, err := Parse(mkBatch(1), false); err != nil || p.Count != 1 {
		t.Errorf("batch of 1: %v", err)
	}
	if p, err := Parse(mkBatch(MaxBatchSize), false); err != nil || p.Count != MaxBatchSize {
		t.Errorf("batch of %d: %v", MaxBatchSize, err)
	}
	if _, err := Parse(mkBatch(MaxBatchSize+1), false); err == nil {
		t.Errorf("batch of %d must be rejected", MaxBatchSize+1)
	}
}

func TestParse_StrictFailsAtIndex(t *testing.T) {
	t.Parallel()
	body := []byte(`[{"method":"eth_chainId","id":1},{"id":2},{"method":"eth_gasPrice","id":3}]`)

	_, err := Parse(body, false)
	if err == nil {
		t.Fatal("strict mode must reject the batch")
	}
	if !strings.Contains(err.Error(), "index 1") {
		t.Errorf("error should name the failing index: %v", err)
	}
}

func TestParse_PartialTombstones(t *testing.T) {
	t.Parallel()
	body := []byte(`[{"method":"eth_chainId","id":1},{"id":2},{"method":"eth_gasPrice","id":3}]`)

	p, err := Parse(body, true)
	if err != nil {
		t.Fatalf("partial mode should succeed: %v", err)
	}
	if p.Count != 3 || len(p.Methods) != 3 || len(p.IDs) != 3 || len(p.IndexErrors) != 3 {
		t.Fatal("lengths must still match count in partial mode")
	}
	if p.Methods[1] != "" {
		t.Error("failed index must be tombstoned")
	}
	if p.IndexErrors[1] == "" {
		t.Error("failed index must record its reason")
	}
	if string(p.IDs[1]) != "2" {
		t.Errorf("salvaged id = %s, want 2", p.IDs[1])
	}
	if !p.HasIndexErrors() {
		t.Error("HasIndexErrors should be true")
	}
}

func TestParse_LongMethodName(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("m", 1000)
	p, err := Parse([]byte(`{"method":"`+long+`","id":1}`), false)
	if err != nil {
		t.Fatalf("long method names are legal: %v", err)
	}
	if p.Methods[0] != long {
		t.Error("method mangled")
	}
}

func TestErrorResponse(t *testing.T) {
	t.Parallel()
	b := ErrorResponse(CodeParseError, "parse error: bad", nil)

	var env struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Error   struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("envelope must be valid JSON: %v", err)
	}
	if env.JSONRPC != "2.0" {
		t.Errorf("jsonrpc = %q", env.JSONRPC)
	}
	if string(env.ID) != "null" {
		t.Errorf("missing id must encode as explicit null, got %s", env.ID)
	}
	if env.Error.Code != CodeParseError || env.Error.Message != "parse error: bad" {
		t.Errorf("error body = %+v", env.Error)
	}
}

func TestBatchErrorResponse_PreservesOrder(t *testing.T) {
	t.Parallel()
	ids := []json.RawMessage{json.RawMessage("1"), nil, json.RawMessage(`"x"`)}
	b := BatchErrorResponse(CodeForbidden, "blocked", ids)

	var envs []struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(b, &envs); err != nil {
		t.Fatalf("batch envelope: %v", err)
	}
	if len(envs) != 3 {
		t.Fatalf("len = %d", len(envs))
	}
	got := []string{string(envs[0].ID), string(envs[1].ID), string(envs[2].ID)}
	want := []string{"1", "null", `"x"`}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("id[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestExtractNetwork(t *testing.T) {
	t.Parallel()
	tests := []struct {
		host string
		want string
	}{
		{"eth-mainnet.unifra.io", "eth-mainnet"},
		{"eth-mainnet.unifra.io:443", "eth-mainnet"},
		{"polygon-mainnet.example.com", "polygon-mainnet"},
		{"localhost", ""},
		{"localhost:8080", ""},
		{"Eth-Mainnet.UNIFRA.io", "Eth-Mainnet"}, // case-sensitive: suffix misses, first segment wins
		{".unifra.io", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExtractNetwork(tt.host); got != tt.want {
			t.Errorf("ExtractNetwork(%q) = %q, want %q", tt.host, got, tt.want)
		}
	}
}

func TestMatchMethod(t *testing.T) {
	t.Parallel()
	tests := []struct {
		method, pattern string
		want            bool
	}{
		{"eth_blockNumber", "eth_blockNumber", true},
		{"eth_blockNumber", "eth_*", true},
		{"eth_blockNumber", "debug_*", false},
		{"eth_blockNumber", "eth_blockNumber2", false},
		{"debug_traceTransaction", "debug_*", true},
		{"anything", "*", true},
		{"ETH_blockNumber", "eth_*", false}, // case-sensitive
		{"eth", "eth_*", false},
	}
	for _, tt := range tests {
		if got := MatchMethod(tt.method, tt.pattern); got != tt.want {
			t.Errorf("MatchMethod(%q, %q) = %v, want %v", tt.method, tt.pattern, got, tt.want)
		}
	}
}
