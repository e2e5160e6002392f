package pollsocket

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeSession implements Session for testing.
type fakeSession struct {
	info     ConnectInfo
	user     string
	writes   []string
	bufLens  []int
	writeErr error

	open     bool
	writable bool
	aborted  bool
	headers  *HeaderWriter
}

func (s *fakeSession) User() string        { return s.user }
func (s *fakeSession) SetUser(user string) { s.user = user }

func (s *fakeSession) Write(buf []byte, mode WriteMode) (int, error) {
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	if len(buf) < FramePadding {
		return 0, ErrShortBuffer
	}
	s.writes = append(s.writes, string(buf[FramePadding:]))
	s.bufLens = append(s.bufLens, len(buf))
	return len(buf) - FramePadding, nil
}

// fakeTransport implements Transport for testing. Tests drive it from a
// single goroutine: queue events with the helpers, then Tick.
type fakeTransport struct {
	info       *CreationInfo
	callback   CallbackFunc
	created    int
	connectErr error
	createErr  error

	sessions  []*fakeSession
	pending   []*fakeSession
	events    []*Event
	returns   map[Reason][]int
	calls     []string
	destroyed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{returns: make(map[Reason][]int)}
}

func (f *fakeTransport) factory(info *CreationInfo) (Transport, error) {
	f.created++
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.info = info
	f.callback = info.Protocols[0].Callback
	return f, nil
}

func (f *fakeTransport) ClientConnect(info *ConnectInfo) (Session, error) {
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	s := &fakeSession{info: *info, user: info.User}
	f.sessions = append(f.sessions, s)
	f.pending = append(f.pending, s)
	return s, nil
}

func (f *fakeTransport) CallbackOnWritableAll() {
	f.calls = append(f.calls, "writable_all")
	for _, s := range f.sessions {
		if s.open {
			s.writable = true
		}
	}
}

func (f *fakeTransport) Service(timeout time.Duration) error {
	f.calls = append(f.calls, "service:"+timeout.String())

	pending := f.pending
	f.pending = nil
	for _, s := range pending {
		s.headers = NewHeaderWriter(DefaultMaxHTTPHeaderData)
		if f.invoke(&Event{Reason: ReasonAppendHandshakeHeader, Session: s, Headers: s.headers}) < 0 {
			s.aborted = true
			f.events = append(f.events, &Event{Reason: ReasonSessionDestroy, Session: s})
		}
	}

	events := f.events
	f.events = nil
	for _, ev := range events {
		if f.invoke(ev) < 0 && ev.Reason != ReasonSessionDestroy {
			ev.Session.(*fakeSession).aborted = true
		}
	}

	for _, s := range f.sessions {
		if s.open && s.writable {
			s.writable = false
			if f.invoke(&Event{Reason: ReasonClientWriteable, Session: s}) < 0 {
				s.aborted = true
			}
		}
	}

	return nil
}

func (f *fakeTransport) Destroy() error {
	f.destroyed = true
	f.sessions = nil
	f.events = nil
	return nil
}

func (f *fakeTransport) invoke(ev *Event) int {
	ev.User = ev.Session.User()
	ret := f.callback(ev)
	f.returns[ev.Reason] = append(f.returns[ev.Reason], ret)
	return ret
}

func (f *fakeTransport) last() *fakeSession {
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

func (f *fakeTransport) establish(s *fakeSession) {
	s.open = true
	f.events = append(f.events, &Event{Reason: ReasonClientEstablished, Session: s})
}

func (f *fakeTransport) fail(s *fakeSession, message string) {
	f.events = append(f.events,
		&Event{Reason: ReasonConnectionError, Session: s, Data: []byte(message)},
		&Event{Reason: ReasonSessionDestroy, Session: s},
	)
}

func (f *fakeTransport) receive(s *fakeSession, data string, final bool) {
	f.events = append(f.events, &Event{Reason: ReasonClientReceive, Session: s, Data: []byte(data), Final: final})
}

func (f *fakeTransport) close(s *fakeSession) {
	s.open = false
	f.events = append(f.events,
		&Event{Reason: ReasonClientClosed, Session: s},
		&Event{Reason: ReasonSessionDestroy, Session: s},
	)
}

func (f *fakeTransport) destroy(s *fakeSession) {
	f.events = append(f.events, &Event{Reason: ReasonSessionDestroy, Session: s})
}

// recorder counts the events a Connection raises.
type recorder struct {
	mu        sync.Mutex
	connected int
	errors    []string
	closed    int
	received  []string
}

func record(c *Connection) *recorder {
	r := &recorder{}
	c.OnConnectComplete(func() {
		r.mu.Lock()
		r.connected++
		r.mu.Unlock()
	})
	c.OnConnectError(func(message string) {
		r.mu.Lock()
		r.errors = append(r.errors, message)
		r.mu.Unlock()
	})
	c.OnClosed(func() {
		r.mu.Lock()
		r.closed++
		r.mu.Unlock()
	})
	c.OnReceiveData(func(text string) {
		r.mu.Lock()
		r.received = append(r.received, text)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) snapshot() recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorder{
		connected: r.connected,
		errors:    append([]string(nil), r.errors...),
		closed:    r.closed,
		received:  append([]string(nil), r.received...),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestContext(t *testing.T, opts ...Option) (*Context, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	opts = append([]Option{WithLogger(discardLogger()), WithTransportFactory(ft.factory)}, opts...)
	ctx := NewContext(opts...)
	require.NoError(t, ctx.Create())
	t.Cleanup(func() { _ = ctx.Close() })
	return ctx, ft
}

// connectTest opens a Connection on the fake transport and runs the
// handshake header pass.
func connectTest(t *testing.T, ctx *Context, ft *fakeTransport, uri string, headers map[string]string) (*Connection, *fakeSession, *recorder) {
	t.Helper()
	conn, err := ctx.ConnectWithHeaders(uri, headers)
	require.NoError(t, err)
	rec := record(conn)
	s := ft.last()
	require.NotNil(t, s)
	ctx.Tick(0)
	return conn, s, rec
}

var errWrite = errors.New("write failed")
