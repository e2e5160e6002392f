package pollsocket

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReason_String(t *testing.T) {
	assert.Equal(t, "client_established", ReasonClientEstablished.String())
	assert.Equal(t, "append_handshake_header", ReasonAppendHandshakeHeader.String())
	assert.Equal(t, "reason(99)", Reason(99).String())
}

func TestDispatch_Unresolved(t *testing.T) {
	ctx, _ := newTestContext(t)
	stray := &fakeSession{}

	reasons := []Reason{
		ReasonSessionDestroy,
		ReasonClientClosed,
		ReasonClosedClientHTTP,
		ReasonConnectionError,
		ReasonClientEstablished,
		ReasonAppendHandshakeHeader,
		ReasonClientReceive,
		ReasonClientWriteable,
	}

	for _, reason := range reasons {
		t.Run(reason.String(), func(t *testing.T) {
			ctx.mu.Lock()
			defer ctx.mu.Unlock()

			ev := &Event{Reason: reason, Session: stray, Headers: NewHeaderWriter(16)}
			assert.Equal(t, -1, ctx.dispatch(ev))

			ev.User = "unknown"
			assert.Equal(t, -1, ctx.dispatch(ev))
			assert.Empty(t, ctx.events)
		})
	}
}

func TestDispatch_IgnoredReasons(t *testing.T) {
	ctx, _ := newTestContext(t)

	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	assert.Equal(t, 0, ctx.dispatch(&Event{Reason: ReasonProtocolInit}))
	assert.Equal(t, 0, ctx.dispatch(&Event{Reason: Reason(42)}))
	assert.Empty(t, ctx.events)
}

func TestDispatch_SessionMismatch(t *testing.T) {
	ctx, ft := newTestContext(t)
	conn, _, rec := connectTest(t, ctx, ft, "ws://example.test/chat", nil)

	// An event tagged with the connection's key but raised by another
	// session is not routed to it.
	other := &fakeSession{user: conn.Key()}
	ctx.mu.Lock()
	ret := ctx.dispatch(&Event{Reason: ReasonClientEstablished, Session: other, User: conn.Key()})
	ctx.mu.Unlock()
	ctx.Tick(0)

	assert.Equal(t, -1, ret)
	assert.Equal(t, 0, rec.snapshot().connected)
	assert.True(t, conn.Active())
}

func TestDispatch_ConnectionError(t *testing.T) {
	ctx, ft := newTestContext(t)
	conn, s, rec := connectTest(t, ctx, ft, "ws://example.test/chat", nil)

	ctx.mu.Lock()
	ret := ctx.dispatch(&Event{
		Reason:  ReasonConnectionError,
		Session: s,
		User:    conn.Key(),
		Data:    []byte("refused\xff"),
	})
	ctx.mu.Unlock()
	ctx.Tick(0)

	assert.Equal(t, 0, ret)
	assert.Equal(t, []string{"refused\uFFFD"}, rec.snapshot().errors)
	// The session survives until its teardown arrives.
	assert.True(t, conn.Active())
}

func TestDispatch_ClosedClientHTTP(t *testing.T) {
	ctx, ft := newTestContext(t)
	conn, s, rec := connectTest(t, ctx, ft, "ws://example.test/chat", nil)

	ctx.mu.Lock()
	ret := ctx.dispatch(&Event{Reason: ReasonClosedClientHTTP, Session: s, User: conn.Key()})
	ctx.mu.Unlock()
	ctx.Tick(0)

	require.Equal(t, 0, ret)
	assert.Equal(t, 1, rec.snapshot().closed)
}

func TestDispatch_HeaderWithoutWriter(t *testing.T) {
	ctx, ft := newTestContext(t)
	conn, s, _ := connectTest(t, ctx, ft, "ws://example.test/chat", nil)

	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	assert.Equal(t, -1, ctx.dispatch(&Event{Reason: ReasonAppendHandshakeHeader, Session: s, User: conn.Key()}))
}

func TestDispatch_ConnectErrorLogging(t *testing.T) {
	var buf bytes.Buffer
	ctx, ft := newTestContext(t, WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))
	conn, s, _ := connectTest(t, ctx, ft, "ws://example.test/chat", nil)
	buf.Reset()

	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	// Errors for detached sessions only show up at debug level.
	stray := &fakeSession{}
	assert.Equal(t, -1, ctx.dispatch(&Event{Reason: ReasonConnectionError, Session: stray, Data: []byte("refused")}))
	assert.Empty(t, buf.String())

	assert.Equal(t, 0, ctx.dispatch(&Event{Reason: ReasonConnectionError, Session: s, User: conn.Key(), Data: []byte("refused")}))
	out := buf.String()
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, "uri=ws://example.test/chat")
	assert.Contains(t, out, "error=refused")
}
