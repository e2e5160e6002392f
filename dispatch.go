package pollsocket

import (
	"log/slog"
	"strings"
)

// dispatch is the protocol callback registered with the transport. The
// transport only calls it from Service, which Tick runs with c.mu held, so
// the whole body is one critical section.
func (c *Context) dispatch(ev *Event) int {
	conn := c.resolve(ev)

	if ev.Reason != ReasonClientWriteable && ev.Reason != ReasonClientReceive {
		uri := ""
		if conn != nil {
			uri = conn.uri
		}
		c.logger.Debug("transport callback",
			slog.String("reason", ev.Reason.String()),
			slog.String("uri", uri),
		)
	}

	switch ev.Reason {
	case ReasonSessionDestroy:
		if conn == nil {
			return -1
		}
		conn.cleanup()

	case ReasonClientClosed, ReasonClosedClientHTTP:
		if conn == nil {
			return -1
		}
		conn.raiseClosed()

	case ReasonConnectionError:
		message := strings.ToValidUTF8(string(ev.Data), "\uFFFD")
		if conn == nil {
			c.logger.Debug("connect error for detached session", slog.String("error", message))
			return -1
		}
		c.logger.Error("websocket connect error",
			slog.String("uri", conn.uri),
			slog.String("error", message),
		)
		conn.raiseConnectError(message)

	case ReasonClientEstablished:
		if conn == nil {
			return -1
		}
		conn.raiseConnectComplete()

	case ReasonAppendHandshakeHeader:
		if conn == nil || ev.Headers == nil {
			return -1
		}
		if !conn.processHeader(ev.Headers) {
			return -1
		}

	case ReasonClientReceive:
		if conn == nil {
			return -1
		}
		conn.processRead(ev.Data, ev.Final)

	case ReasonClientWriteable:
		if conn == nil {
			return -1
		}
		conn.processWriteable()
	}

	return 0
}
