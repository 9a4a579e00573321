package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/unifra/rpcgate/internal/config"
	"github.com/unifra/rpcgate/internal/upstream"
)

// wsEchoHandler is the fake upstream node: it upgrades and echoes every
// text frame back with a result wrapper.
func wsEchoHandler(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req struct {
			ID json.RawMessage `json:"id"`
		}
		json.Unmarshal(data, &req)
		reply, _ := json.Marshal(map[string]any{
			"jsonrpc": "2.0",
			"id":      json.RawMessage(req.ID),
			"result":  "0x10",
		})
		if err := conn.WriteMessage(mt, reply); err != nil {
			return
		}
	}
}

// dialWS opens a WebSocket session through the gateway.
func dialWS(t *testing.T, f *gatewayFixture, key string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.gw.URL, "http") + "/"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+key)
	header.Set("Host", testHost)

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readTextFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return string(data)
}

func TestWebSocketForwardsAdmittedMessages(t *testing.T) {
	t.Parallel()
	f := newGateway(t, nil)
	conn := dialWS(t, f, testAPIKey)

	if err := conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"jsonrpc":"2.0","method":"eth_blockNumber","id":1}`)); err != nil {
		t.Fatal(err)
	}
	reply := readTextFrame(t, conn)
	if !strings.Contains(reply, `"result":"0x10"`) {
		t.Errorf("reply = %s, want echoed result", reply)
	}

	recs := f.usage.all()
	if len(recs) != 1 || !recs[0].WebSocket {
		t.Errorf("usage records = %+v, want one websocket record", recs)
	}
}

func TestWebSocketRejectsPerMessageKeepsSessionOpen(t *testing.T) {
	t.Parallel()
	f := newGateway(t, nil)
	conn := dialWS(t, f, testAPIKey)

	// Not whitelisted: the frame is answered with an error envelope and
	// never reaches the upstream.
	if err := conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"method":"admin_peers","id":42}`)); err != nil {
		t.Fatal(err)
	}
	reply := readTextFrame(t, conn)
	if !strings.Contains(reply, `"code":-32601`) || !strings.Contains(reply, `"id":42`) {
		t.Errorf("rejection frame = %s", reply)
	}

	// The session survives; an allowed message still goes through.
	if err := conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"method":"eth_blockNumber","id":43}`)); err != nil {
		t.Fatal(err)
	}
	reply = readTextFrame(t, conn)
	if !strings.Contains(reply, `"result":"0x10"`) {
		t.Errorf("post-rejection reply = %s", reply)
	}
}

func TestWebSocketRateLimitedMessage(t *testing.T) {
	t.Parallel()
	f := newGateway(t, nil)
	conn := dialWS(t, f, smallAPIKey)

	// 75 CU admitted, the next 75 overflows the 80 CU window.
	if err := conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"method":"eth_getLogs","id":1}`)); err != nil {
		t.Fatal(err)
	}
	readTextFrame(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"method":"eth_getLogs","id":2}`)); err != nil {
		t.Fatal(err)
	}
	reply := readTextFrame(t, conn)
	if !strings.Contains(reply, `"code":-32000`) {
		t.Errorf("rate limit frame = %s", reply)
	}
}

// wsClosingUpstream upgrades, consumes one frame, then performs a clean
// close handshake with code 1000.
func wsClosingUpstream(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	if _, _, err := conn.ReadMessage(); err != nil {
		return
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
		time.Now().Add(time.Second))
}

func TestWebSocketMirrorsUpstreamClose(t *testing.T) {
	t.Parallel()
	closing := httptest.NewServer(http.HandlerFunc(wsClosingUpstream))
	t.Cleanup(closing.Close)

	f := newGateway(t, func(d *Deps, routes []config.RouteConfig) {
		entry := routes[0].Upstreams["eth-mainnet"]
		entry.WSURL = "ws" + strings.TrimPrefix(closing.URL, "http")
		routes[0].Upstreams["eth-mainnet"] = entry
		d.Picker = upstream.NewStaticPicker(routes)
	})
	conn := dialWS(t, f, testAPIKey)

	if err := conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"jsonrpc":"2.0","method":"eth_blockNumber","id":1}`)); err != nil {
		t.Fatal(err)
	}

	// The upstream's clean close must arrive as a close frame with the
	// original code, not an abnormal 1006 teardown.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("read err = %v, want a close frame", err)
	}
	if ce.Code != websocket.CloseNormalClosure {
		t.Errorf("close code = %d, want %d", ce.Code, websocket.CloseNormalClosure)
	}
}

func TestWebSocketHandshakeRequiresAuth(t *testing.T) {
	t.Parallel()
	f := newGateway(t, nil)

	url := "ws" + strings.TrimPrefix(f.gw.URL, "http") + "/"
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	_, resp, err := dialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial succeeded without credentials")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("handshake response = %+v, want 401", resp)
	}
	if resp != nil {
		resp.Body.Close()
	}
}
