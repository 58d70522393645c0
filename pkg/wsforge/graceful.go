package wsforge

import (
	"net"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"wsforge/pkg/wserr"
)

// Close codes named per spec.md §4.9's upgrade-error mapping.
const (
	CloseNormal         = websocket.CloseNormalClosure   // 1000
	CloseProtocolError  = websocket.CloseProtocolError    // 1002
	CloseInternalError  = websocket.CloseInternalServerErr // 1011
	CloseOverloaded     = websocket.CloseTryAgainLater     // 1013
)

const defaultCloseTimeout = 5 * time.Second

// CloseWebSocketGracefully sends a close frame with code/reason, waits
// up to timeout for the peer to acknowledge, and force-terminates if it
// doesn't. A write error on the close frame itself terminates
// immediately rather than waiting out the timeout.
func CloseWebSocketGracefully(c *Client, code int, reason string, timeout time.Duration) {
	if c == nil || c.IsClosed() {
		return
	}
	if timeout <= 0 {
		timeout = defaultCloseTimeout
	}
	if err := c.Close(code, reason, timeout); err != nil {
		_ = c.Terminate()
	}
}

// CloseSocketGracefully ends a raw, pre-handshake connection: FIN then
// hard close if the peer hasn't finished within timeout. Used for
// admission-time rejections that never reach a WebSocket handshake.
func CloseSocketGracefully(conn net.Conn, timeout time.Duration) {
	if conn == nil {
		return
	}
	if timeout <= 0 {
		timeout = defaultCloseTimeout
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
		time.AfterFunc(timeout, func() { _ = conn.Close() })
		return
	}
	_ = conn.Close()
}

// closeCodeForKind derives the close code an upgrade-time error should
// be reported with: protocol-level absence of a route or handler is
// 1002, anything else internal is 1011.
func closeCodeForKind(kind wserr.Kind) int {
	switch kind {
	case wserr.RouteNotFound, wserr.HandlerNotFound:
		return CloseProtocolError
	default:
		return CloseInternalError
	}
}

// HandleUpgradeError translates an admission-time error into the raw
// socket teardown spec.md §4.10 requires: the TCP connection ends
// silently, with no WebSocket frame and no handshake completion.
func HandleUpgradeError(conn net.Conn, err error) {
	logrus.WithError(err).
		WithField("code", wserr.CodeFor(err)).
		Debug("wsforge: upgrade rejected")
	CloseSocketGracefully(conn, defaultCloseTimeout)
}

// HandleConnectionError translates a post-handshake error through the
// recovery taxonomy and picks between a graceful close and a hard
// terminate.
func HandleConnectionError(c *Client, err error) {
	if c == nil || err == nil {
		return
	}
	logrus.WithError(err).
		WithField("connectionId", c.ID).
		WithField("code", wserr.CodeFor(err)).
		Warn("wsforge: connection error")

	switch wserr.VerdictFor(err) {
	case wserr.Ignore, wserr.Retry:
		return
	case wserr.CloseConnection:
		kind := wserr.RouteNotFound
		if e, ok := err.(*wserr.Error); ok {
			kind = e.Kind
		}
		CloseWebSocketGracefully(c, closeCodeForKind(kind), wserr.CodeFor(err), defaultCloseTimeout)
	default:
		_ = c.Terminate()
	}
}

// ExecuteHandlerSafely invokes fn, converting any panic into a
// HandlerExecution error with the original panic value attached, so a
// single misbehaving user handler cannot crash the host process.
func ExecuteHandlerSafely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			var cause error
			if e, ok := r.(error); ok {
				cause = e
			} else {
				cause = wserr.Newf(wserr.HandlerExecution, "%v", r)
			}
			err = wserr.Wrap(wserr.HandlerExecution, cause, "handler panicked")
		}
	}()
	return fn()
}
