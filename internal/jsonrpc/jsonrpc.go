// Package jsonrpc implements the JSON-RPC 2.0 request codec for the
// gateway: single and batch parsing with per-index error tracking,
// error envelope encoding, host-to-network extraction, and method
// pattern matching.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	// Version is the JSON-RPC protocol version emitted in every envelope.
	Version = "2.0"

	// MaxBodyBytes is the largest request body the codec accepts.
	MaxBodyBytes = 1 << 20 // 1 MiB

	// MaxBatchSize is the largest accepted batch length.
	MaxBatchSize = 100
)

// JSON-RPC error codes used by the gateway.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInternal       = -32603

	// Gateway-specific codes in the implementation-defined range.
	CodeRateLimited   = -32000
	CodeQuotaExceeded = -32001
	CodeForbidden     = -32003
)

// nullID is the explicit null emitted when a request id is unavailable.
var nullID = json.RawMessage("null")

// Error is a codec-level parse or validation failure carrying its
// JSON-RPC error code.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string { return e.Message }

func parseErr(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ParsedRequest is the decoded form of one JSON-RPC payload. Methods,
// IDs and (in partial mode) IndexErrors all have length Count. A
// tombstoned batch entry has an empty Methods slot and a recorded
// IndexErrors entry; tombstones never contribute to CU or limits.
type ParsedRequest struct {
	IsBatch     bool
	Methods     []string
	IDs         []json.RawMessage
	Count       int
	IndexErrors []string // nil in strict mode or when no entry failed
	Raw         []byte   // original body, forwarded verbatim upstream
}

// HasIndexErrors reports whether any batch entry was tombstoned.
func (p *ParsedRequest) HasIndexErrors() bool {
	for _, e := range p.IndexErrors {
		if e != "" {
			return true
		}
	}
	return false
}

// call mirrors the fields the gateway inspects; params pass through in Raw.
type call struct {
	Method string          `json:"method"`
	ID     json.RawMessage `json:"id"`
}

// Parse decodes body as a single JSON-RPC request or a batch.
//
// In strict mode the first invalid batch entry fails the whole parse.
// In partial mode (allowPartial) invalid entries are tombstoned: the
// index error is recorded, the method slot stays empty, and the id is
// salvaged from the raw element when extractable.
func Parse(body []byte, allowPartial bool) (*ParsedRequest, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, parseErr(CodeParseError, "empty body")
	}
	if len(body) > MaxBodyBytes {
		return nil, parseErr(CodeParseError, "body too large: %d bytes (max %d)", len(body), MaxBodyBytes)
	}

	if !isBatch(body) {
		trimmed := bytes.TrimSpace(body)
		if !json.Valid(trimmed) {
			return nil, parseErr(CodeParseError, "parse error: invalid JSON")
		}
		m, id, reason := decodeCall(trimmed)
		if reason != "" {
			return nil, parseErr(CodeInvalidRequest, "%s", reason)
		}
		return &ParsedRequest{
			Methods: []string{m},
			IDs:     []json.RawMessage{id},
			Count:   1,
			Raw:     body,
		}, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(body, &elems); err != nil {
		return nil, parseErr(CodeParseError, "parse error: %v", err)
	}
	if len(elems) == 0 {
		return nil, parseErr(CodeInvalidRequest, "empty batch")
	}
	if len(elems) > MaxBatchSize {
		return nil, parseErr(CodeInvalidRequest, "batch too large: %d calls (max %d)", len(elems), MaxBatchSize)
	}

	p := &ParsedRequest{
		IsBatch: true,
		Methods: make([]string, len(elems)),
		IDs:     make([]json.RawMessage, len(elems)),
		Count:   len(elems),
		Raw:     body,
	}
	for i, elem := range elems {
		m, id, reason := decodeCall(elem)
		if reason == "" {
			p.Methods[i] = m
			p.IDs[i] = id
			continue
		}
		if !allowPartial {
			return nil, parseErr(CodeInvalidRequest, "invalid request at index %d: %s", i, reason)
		}
		if p.IndexErrors == nil {
			p.IndexErrors = make([]string, len(elems))
		}
		p.IndexErrors[i] = reason
		p.IDs[i] = SalvageID(elem)
	}
	return p, nil
}

// decodeCall validates one request object and returns its method and id.
// A non-empty reason means the object is invalid.
func decodeCall(raw []byte) (method string, id json.RawMessage, reason string) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return "", nil, "request must be an object"
	}
	var c call
	if err := json.Unmarshal(trimmed, &c); err != nil {
		return "", nil, "malformed request object"
	}
	if c.Method == "" {
		return "", nil, "method must be a non-empty string"
	}
	if len(c.ID) == 0 {
		// Notifications are indistinguishable from id-less errors at
		// this layer; carry an explicit null.
		c.ID = nullID
	}
	return c.Method, c.ID, ""
}

// SalvageID extracts a raw id from a payload that may not be a valid
// request, so error responses can still echo it. Returns explicit null
// when absent.
func SalvageID(raw []byte) json.RawMessage {
	if r := gjson.GetBytes(raw, "id"); r.Exists() {
		return json.RawMessage(r.Raw)
	}
	return nullID
}

// isBatch reports whether the body's first non-whitespace byte opens an array.
func isBatch(body []byte) bool {
	t := bytes.TrimSpace(body)
	return len(t) > 0 && t[0] == '['
}

type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   errorBody       `json:"error"`
}

// ErrorResponse encodes a single JSON-RPC error envelope. A nil id is
// emitted as explicit null. The encoding never fails for these inputs.
func ErrorResponse(code int, message string, id json.RawMessage) []byte {
	if len(id) == 0 {
		id = nullID
	}
	b, _ := json.Marshal(errorEnvelope{
		JSONRPC: Version,
		ID:      id,
		Error:   errorBody{Code: code, Message: message},
	})
	return b
}

// BatchErrorResponse encodes one error envelope per id, preserving order.
func BatchErrorResponse(code int, message string, ids []json.RawMessage) []byte {
	envs := make([]errorEnvelope, len(ids))
	for i, id := range ids {
		if len(id) == 0 {
			id = nullID
		}
		envs[i] = errorEnvelope{
			JSONRPC: Version,
			ID:      id,
			Error:   errorBody{Code: code, Message: message},
		}
	}
	b, _ := json.Marshal(envs)
	return b
}

// networkPattern anchors the canonical {network}.unifra.io host form.
var networkPattern = regexp.MustCompile(`^([^.]+)\.unifra\.io$`)

// ExtractNetwork derives the network identifier from a request host.
// The canonical suffix form wins; otherwise the first dot-separated
// segment is used. A host with no dots yields "" and downstream treats
// that as an unsupported network (deliberately fail-closed).
func ExtractNetwork(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if m := networkPattern.FindStringSubmatch(host); m != nil {
		return m[1]
	}
	if i := strings.IndexByte(host, '.'); i > 0 {
		return host[:i]
	}
	return ""
}

// MatchMethod reports whether method matches pattern. A pattern is an
// exact method name, or a prefix ending in '*' matching any method with
// that prefix. Matching is case-sensitive; no other wildcards exist.
func MatchMethod(method, pattern string) bool {
	if p, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(method, p)
	}
	return method == pattern
}
