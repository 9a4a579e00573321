package server

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

// hijackableRecorder is a ResponseRecorder that also satisfies
// http.Hijacker, the way a live net/http connection does.
type hijackableRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	return nil, nil, nil
}

func TestStatusWriterDelegatesHijack(t *testing.T) {
	t.Parallel()

	rec := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	sw := &statusWriter{ResponseWriter: rec}

	var _ http.Hijacker = sw
	if _, _, err := sw.Hijack(); err != nil {
		t.Fatalf("hijack: %v", err)
	}
	if !rec.hijacked {
		t.Error("hijack did not reach the underlying writer")
	}
}

func TestStatusWriterHijackWithoutSupport(t *testing.T) {
	t.Parallel()

	sw := &statusWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := sw.Hijack(); err == nil {
		t.Error("expected an error from a non-hijackable writer")
	}
}
