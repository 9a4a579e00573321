package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"

	gateway "github.com/unifra/rpcgate/internal"
)

// defaultReadTimeout bounds an upstream call when the route sets none.
const defaultReadTimeout = 30 * time.Second

// NewTransport returns a tuned *http.Transport with connection pooling
// and optional DNS caching. RPC nodes are dialed constantly; caching
// lookups removes the resolver from the hot path.
func NewTransport(resolver *dnscache.Resolver, insecureTLS bool) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if insecureTLS {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// hopByHop headers that must not be forwarded between client and upstream.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// Forwarder sends admitted request bodies to upstream RPC nodes and
// streams the responses back verbatim.
type Forwarder struct {
	secure   *http.Client
	insecure *http.Client
}

// NewForwarder builds a Forwarder sharing one DNS cache across both the
// verifying and the InsecureTLS client.
func NewForwarder(resolver *dnscache.Resolver) *Forwarder {
	return &Forwarder{
		secure:   &http.Client{Transport: NewTransport(resolver, false)},
		insecure: &http.Client{Transport: NewTransport(resolver, true)},
	}
}

// Forward POSTs body to the upstream's HTTP URL and copies the response
// to w unaltered: the gateway never rewrites upstream JSON-RPC payloads.
// Client headers are copied minus hop-by-hop and credential headers; the
// caller's gateway headers are already set on w.
func (f *Forwarder) Forward(ctx context.Context, up *gateway.Upstream, w http.ResponseWriter, r *http.Request, body []byte) error {
	timeout := up.ReadTimeout
	if timeout <= 0 {
		timeout = defaultReadTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outReq, err := http.NewRequestWithContext(ctx, http.MethodPost, up.HTTPURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("forward: create request: %w", err)
	}
	for key, vals := range r.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		// The gateway's credentials never leave the gateway.
		if key == "Authorization" || key == "X-Api-Key" {
			continue
		}
		outReq.Header[key] = vals
	}
	outReq.Header.Set("Content-Type", "application/json")
	outReq.Host = ""

	client := f.secure
	if up.InsecureTLS {
		client = f.insecure
	}
	resp, err := client.Do(outReq)
	if err != nil {
		return fmt.Errorf("forward: %w", err)
	}
	defer resp.Body.Close()

	for key, vals := range resp.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	// Cap the copy so a misbehaving node cannot stream unbounded data
	// through the gateway.
	const maxResponseBody = 32 << 20
	if _, err := io.Copy(w, io.LimitReader(resp.Body, maxResponseBody)); err != nil {
		return fmt.Errorf("forward: copy response: %w", err)
	}
	return nil
}
