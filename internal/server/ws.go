package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	gateway "github.com/unifra/rpcgate/internal"
	"github.com/unifra/rpcgate/internal/config"
	"github.com/unifra/rpcgate/internal/jsonrpc"
	"github.com/unifra/rpcgate/internal/pipeline"
)

const (
	wsWriteWait       = 10 * time.Second
	wsDefaultDialWait = 60 * time.Second
	wsMaxFrameBytes   = 65535
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The gateway authenticates by API key, not by origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWS proxies a WebSocket connection to the upstream node. The
// handshake is admitted once (auth ran in middleware, the guard runs
// here); after that every inbound text frame goes through the full
// admission pipeline individually. A rejected frame gets an error frame
// back and is not forwarded; the connection stays open.
func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	route := s.routeFor(r.Host)
	if route == nil {
		writeRPCError(w, http.StatusServiceUnavailable,
			jsonrpc.CodeInternal, "no route configured", nil)
		return
	}
	consumer := gateway.ConsumerFromContext(r.Context())

	// Guard before the upgrade so blocked callers get a plain HTTP 403
	// instead of a doomed WebSocket session.
	if err := s.deps.Pipeline.CheckHandshake(clientIP(r), consumer); err != nil {
		writeRPCError(w, http.StatusForbidden,
			jsonrpc.CodeForbidden, "access temporarily blocked", nil)
		return
	}

	network := route.NetworkOverride
	if network == "" {
		network = jsonrpc.ExtractNetwork(r.Host)
	}
	up, err := s.deps.Picker.Pick(r.Context(), route.ID, network)
	if err != nil || up.WSURL == "" {
		writeRPCError(w, http.StatusServiceUnavailable,
			jsonrpc.CodeInternal, "no websocket upstream available", nil)
		return
	}

	// Dial the upstream before upgrading: a dead node then surfaces as a
	// plain HTTP error rather than an immediate close frame.
	dialWait := up.ReadTimeout
	if dialWait <= 0 {
		dialWait = wsDefaultDialWait
	}
	dialer := websocket.Dialer{HandshakeTimeout: dialWait}
	if up.InsecureTLS {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	upConn, resp, err := dialer.DialContext(r.Context(), up.WSURL, nil)
	if err != nil {
		slog.LogAttrs(r.Context(), slog.LevelError, "websocket upstream dial failed",
			slog.String("url", up.WSURL),
			slog.String("error", err.Error()))
		writeRPCError(w, http.StatusBadGateway,
			jsonrpc.CodeInternal, "upstream websocket unavailable", nil)
		return
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer upConn.Close()

	clientConn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer clientConn.Close()
	clientConn.SetReadLimit(wsMaxFrameBytes)

	if m := s.deps.Metrics; m != nil {
		m.WSConnectionsActive.Inc()
		defer m.WSConnectionsActive.Dec()
	}

	relayControlFrames(clientConn, upConn)

	sess := &wsSession{
		server:   s,
		route:    route,
		host:     r.Host,
		clientIP: clientIP(r),
		consumer: consumer,
		client:   clientConn,
		upstream: upConn,
	}

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error { return sess.pumpInbound(ctx) })
	g.Go(func() error { return sess.pumpOutbound(ctx) })
	go func() {
		// Closing both conns unblocks whichever pump is still reading
		// once the peer side ends or the request context is cancelled.
		<-ctx.Done()
		clientConn.Close()
		upConn.Close()
	}()

	if err := g.Wait(); err != nil && !isExpectedClose(err) {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "websocket session ended",
			slog.String("error", err.Error()))
	}
}

// wsSession is one proxied WebSocket connection with its admission state.
type wsSession struct {
	server   *server
	route    *config.RouteConfig
	host     string
	clientIP string
	consumer *gateway.Consumer
	client   *websocket.Conn
	upstream *websocket.Conn

	// Guards client writes: the inbound pump writes rejection frames
	// while the outbound pump forwards upstream frames.
	clientMu sync.Mutex
}

// pumpInbound reads client frames, runs each text frame through the
// pipeline, and forwards admitted payloads verbatim. Binary frames pass
// through uninspected: the gateway only prices JSON-RPC text traffic.
func (ws *wsSession) pumpInbound(ctx context.Context) error {
	s := ws.server
	for {
		mt, data, err := ws.client.ReadMessage()
		if err != nil {
			ws.mirrorClose(ws.upstream, err)
			return err
		}
		if mt != websocket.TextMessage {
			if err := ws.upstream.WriteMessage(mt, data); err != nil {
				return err
			}
			ws.countMessage("inbound", "forwarded")
			continue
		}

		rc, term := s.deps.Pipeline.Run(ctx, &pipeline.Request{
			Route:    ws.route,
			Body:     data,
			Host:     ws.host,
			ClientIP: ws.clientIP,
			Consumer: ws.consumer,
		})
		if term != nil {
			s.countTermination(rc, term)
			ws.countMessage("inbound", "rejected")
			if err := ws.writeClientFrame(wsErrorFrame(rc, term, data)); err != nil {
				return err
			}
			// A guard block ends the session; anything else keeps it open
			// so the subscriber can back off and retry.
			if term.Reason == pipeline.ReasonGuard {
				return ws.closeBoth(websocket.ClosePolicyViolation, term.Message)
			}
			continue
		}

		if err := ws.upstream.WriteMessage(websocket.TextMessage, data); err != nil {
			return err
		}
		ws.countMessage("inbound", "forwarded")
		s.recordUsage(rc, http.StatusOK, true)
	}
}

// pumpOutbound copies upstream frames to the client verbatim.
// Subscription notifications are never priced.
func (ws *wsSession) pumpOutbound(context.Context) error {
	for {
		mt, data, err := ws.upstream.ReadMessage()
		if err != nil {
			ws.mirrorClose(ws.client, err)
			return err
		}
		if err := ws.writeClientMessage(mt, data); err != nil {
			return err
		}
		ws.countMessage("outbound", "forwarded")
	}
}

func (ws *wsSession) writeClientFrame(payload []byte) error {
	return ws.writeClientMessage(websocket.TextMessage, payload)
}

func (ws *wsSession) writeClientMessage(mt int, data []byte) error {
	ws.clientMu.Lock()
	defer ws.clientMu.Unlock()
	ws.client.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return ws.client.WriteMessage(mt, data)
}

// mirrorClose relays one peer's close frame to the other so both ends
// see a clean shutdown with the original code; abnormal errors become a
// going-away close. FormatCloseMessage handles CloseNoStatusReceived by
// producing an empty close payload.
func (ws *wsSession) mirrorClose(to *websocket.Conn, err error) {
	code, text := websocket.CloseGoingAway, ""
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code, text = ce.Code, ce.Text
	}
	msg := websocket.FormatCloseMessage(code, text)
	to.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}

func (ws *wsSession) closeBoth(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(wsWriteWait)
	ws.client.WriteControl(websocket.CloseMessage, msg, deadline)
	ws.upstream.WriteControl(websocket.CloseMessage, msg, deadline)
	return nil
}

func (ws *wsSession) countMessage(direction, outcome string) {
	if m := ws.server.deps.Metrics; m != nil {
		m.WSMessages.WithLabelValues(direction, outcome).Inc()
	}
}

// wsErrorFrame builds the error payload for a rejected message, echoing
// the request ids even when the payload never parsed.
func wsErrorFrame(rc *pipeline.Context, term *pipeline.Termination, raw []byte) []byte {
	if rc.Parsed != nil && rc.Parsed.IsBatch {
		return jsonrpc.BatchErrorResponse(term.Code, term.Message, rc.Parsed.IDs)
	}
	id := firstID(rc)
	if id == nil {
		id = jsonrpc.SalvageID(raw)
	}
	return jsonrpc.ErrorResponse(term.Code, term.Message, id)
}

// relayControlFrames forwards ping and pong frames in both directions so
// either peer's keepalive reaches the other end.
func relayControlFrames(client, upstream *websocket.Conn) {
	client.SetPingHandler(func(appData string) error {
		return upstream.WriteControl(websocket.PingMessage, []byte(appData), time.Now().Add(wsWriteWait))
	})
	client.SetPongHandler(func(appData string) error {
		return upstream.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsWriteWait))
	})
	upstream.SetPingHandler(func(appData string) error {
		return client.WriteControl(websocket.PingMessage, []byte(appData), time.Now().Add(wsWriteWait))
	})
	upstream.SetPongHandler(func(appData string) error {
		return client.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsWriteWait))
	})
}

// isExpectedClose reports whether the session ended with a normal close
// handshake or a locally closed connection.
func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
		errors.Is(err, net.ErrClosed)
}
