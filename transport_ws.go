package pollsocket

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/eapache/queue"
)

type sessionState int

const (
	statePending sessionState = iota
	stateConnecting
	stateOpen
	stateClosed
)

// wsEvent is an event raised by a socket goroutine, waiting for Service.
type wsEvent struct {
	s      *wsSession
	reason Reason
	data   []byte
	final  bool
}

// outFrame is a frame accepted by Session.Write, waiting for the writer.
type outFrame struct {
	mode WriteMode
	data []byte
}

// wsTransport implements Transport over github.com/coder/websocket.
//
// Dialing, reading and writing run on per-session goroutines. They never
// call the protocol callback themselves; they queue events that Service
// delivers on the caller's goroutine.
type wsTransport struct {
	info        CreationInfo
	callback    CallbackFunc
	rxSize      int
	compression websocket.CompressionMode
	insecure    *http.Client
	logger      *slog.Logger

	mu        sync.Mutex
	sessions  []*wsSession
	events    []wsEvent
	destroyed bool
	wake      chan struct{}
}

// NewWSTransport builds the default transport from info. The first
// protocol's callback receives every event.
func NewWSTransport(info *CreationInfo) (Transport, error) {
	if info == nil || len(info.Protocols) == 0 || info.Protocols[0].Callback == nil {
		return nil, errors.New("no protocol callback")
	}
	if info.Port != -1 {
		return nil, fmt.Errorf("listening port %d unsupported: client only", info.Port)
	}

	t := &wsTransport{
		info:        *info,
		callback:    info.Protocols[0].Callback,
		rxSize:      info.Protocols[0].RxBufferSize,
		compression: websocket.CompressionDisabled,
		logger:      info.Logger,
		wake:        make(chan struct{}, 1),
	}
	if t.rxSize <= 0 {
		t.rxSize = MaxPayload
	}
	if t.info.MaxHTTPHeaderData <= 0 {
		t.info.MaxHTTPHeaderData = DefaultMaxHTTPHeaderData
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}

	for _, ext := range info.Extensions {
		if ext.Name != "permessage-deflate" {
			t.logger.Debug("extension not supported by transport", slog.String("extension", ext.Name))
			continue
		}
		t.compression = websocket.CompressionContextTakeover
		if ext.NoTakeover {
			t.compression = websocket.CompressionNoContextTakeover
		}
		break
	}

	// wss sessions accept self-signed and mismatched certificates.
	t.insecure = &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}

	return t, nil
}

// ClientConnect registers a session. Nothing touches the network until
// the next Service pass has collected its handshake headers.
func (t *wsTransport) ClientConnect(info *ConnectInfo) (Session, error) {
	if info == nil || info.Address == "" {
		return nil, errors.New("empty address")
	}
	if info.Port < 1 || info.Port > 65535 {
		return nil, fmt.Errorf("bad port %d", info.Port)
	}

	scheme := "ws"
	if info.SSL != SSLDisabled {
		scheme = "wss"
	}
	path := info.Path
	if path == "" {
		path = "/"
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &wsSession{
		t:      t,
		info:   *info,
		url:    scheme + "://" + net.JoinHostPort(info.Address, strconv.Itoa(info.Port)) + path,
		user:   info.User,
		ctx:    ctx,
		cancel: cancel,
		outbox: queue.New(),
		wake:   make(chan struct{}, 1),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		cancel()
		return nil, ErrClosed
	}
	t.sessions = append(t.sessions, s)

	return s, nil
}

// CallbackOnWritableAll marks every open session writable-pending.
func (t *wsTransport) CallbackOnWritableAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.sessions {
		if s.state == stateOpen {
			s.writable = true
		}
	}
}

// Service starts pending handshakes, delivers queued socket events in
// arrival order, then offers a writable slot to every session marked
// writable-pending. With a positive timeout it waits up to that long for
// socket events when none are queued.
func (t *wsTransport) Service(timeout time.Duration) error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return ErrClosed
	}
	var pending []*wsSession
	for _, s := range t.sessions {
		if s.state == statePending {
			s.state = stateConnecting
			pending = append(pending, s)
		}
	}
	waiting := len(t.events) == 0
	t.mu.Unlock()

	for _, s := range pending {
		t.handshake(s)
	}

	if timeout > 0 && waiting {
		timer := time.NewTimer(timeout)
		select {
		case <-t.wake:
		case <-timer.C:
		}
		timer.Stop()
	}

	t.mu.Lock()
	events := t.events
	t.events = nil
	t.mu.Unlock()

	for _, ev := range events {
		t.deliver(ev.s, &Event{Reason: ev.reason, Data: ev.data, Final: ev.final})
	}

	t.mu.Lock()
	var writable []*wsSession
	for _, s := range t.sessions {
		if s.writable && s.state == stateOpen {
			s.writable = false
			writable = append(writable, s)
		}
	}
	t.mu.Unlock()

	for _, s := range writable {
		t.deliver(s, &Event{Reason: ReasonClientWriteable})
	}

	return nil
}

// Destroy closes every session and drops queued events. Idempotent.
func (t *wsTransport) Destroy() error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return nil
	}
	t.destroyed = true
	sessions := t.sessions
	t.sessions = nil
	t.events = nil
	for _, s := range sessions {
		s.state = stateClosed
	}
	t.mu.Unlock()

	for _, s := range sessions {
		s.shutdown(websocket.StatusGoingAway)
	}

	return nil
}

// handshake collects the session's extra headers through the callback and
// starts dialing. A refused header callback aborts the session without a
// connection error.
func (t *wsTransport) handshake(s *wsSession) {
	w := NewHeaderWriter(t.info.MaxHTTPHeaderData)
	ev := &Event{Reason: ReasonAppendHandshakeHeader, Session: s, User: s.User(), Headers: w}
	if t.callback(ev) < 0 {
		t.logger.Warn("handshake headers refused, aborting session", slog.String("url", s.url))
		t.abort(s)
		return
	}

	header := w.Header()
	if s.info.Origin != "" && header.Get("Origin") == "" {
		scheme := "http://"
		if s.info.SSL != SSLDisabled {
			scheme = "https://"
		}
		header.Set("Origin", scheme+s.info.Origin)
	}

	go t.dial(s, header)
}

func (t *wsTransport) dial(s *wsSession, header http.Header) {
	ctx := s.ctx
	if t.info.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.info.HandshakeTimeout)
		defer cancel()
	}

	opts := &websocket.DialOptions{
		HTTPHeader:      header,
		HTTPClient:      t.info.HTTPClient,
		CompressionMode: t.compression,
	}
	if opts.HTTPClient == nil && s.info.SSL == SSLAllowSelfSigned {
		opts.HTTPClient = t.insecure
	}
	if s.info.Protocol != "" {
		opts.Subprotocols = []string{s.info.Protocol}
	}

	conn, _, err := websocket.Dial(ctx, s.url, opts)
	if err != nil {
		t.post(s, ReasonConnectionError, []byte(err.Error()), true)
		t.postDestroy(s)
		return
	}
	conn.SetReadLimit(t.readLimit())

	t.mu.Lock()
	if s.state != stateConnecting {
		t.mu.Unlock()
		conn.CloseNow()
		return
	}
	s.conn = conn
	s.state = stateOpen
	t.mu.Unlock()

	t.post(s, ReasonClientEstablished, nil, true)

	go t.readLoop(s)
	go t.writeLoop(s)
}

// readLoop delivers each inbound message in chunks of at most rxSize
// bytes, the last one flagged final.
func (t *wsTransport) readLoop(s *wsSession) {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			t.logger.Debug("session read ended",
				slog.String("url", s.url),
				slog.Int("status", int(websocket.CloseStatus(err))),
				slog.Any("error", err),
			)
			t.post(s, ReasonClientClosed, nil, true)
			t.postDestroy(s)
			s.cancel()
			return
		}

		for len(data) > t.rxSize {
			t.post(s, ReasonClientReceive, data[:t.rxSize], false)
			data = data[t.rxSize:]
		}
		t.post(s, ReasonClientReceive, data, true)
	}
}

func (t *wsTransport) writeLoop(s *wsSession) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}

		for {
			t.mu.Lock()
			if s.outbox.Length() == 0 {
				t.mu.Unlock()
				break
			}
			f := s.outbox.Peek().(outFrame)
			s.outbox.Remove()
			t.mu.Unlock()

			typ := websocket.MessageText
			if f.mode == WriteBinary {
				typ = websocket.MessageBinary
			}
			if err := s.conn.Write(s.ctx, typ, f.data); err != nil {
				t.logger.Debug("session write failed", slog.String("url", s.url), slog.Any("error", err))
				s.cancel()
				return
			}
		}
	}
}

// deliver hands one event to the callback. Events for sessions that were
// aborted are dropped, except the final teardown. A negative return aborts
// the session.
func (t *wsTransport) deliver(s *wsSession, ev *Event) {
	t.mu.Lock()
	closed := s.state == stateClosed
	t.mu.Unlock()
	if closed && ev.Reason != ReasonSessionDestroy {
		return
	}

	ev.Session = s
	ev.User = s.User()
	ret := t.callback(ev)

	if ev.Reason == ReasonSessionDestroy {
		t.remove(s)
		return
	}
	if ret < 0 {
		t.abort(s)
	}
}

// readLimit maps MaxMessageSize onto websocket.Conn.SetReadLimit, where -1
// disables the limit.
func (t *wsTransport) readLimit() int64 {
	if t.info.MaxMessageSize <= 0 {
		return -1
	}
	return t.info.MaxMessageSize
}

func (t *wsTransport) abort(s *wsSession) {
	t.mu.Lock()
	if s.state == stateClosed {
		t.mu.Unlock()
		return
	}
	s.state = stateClosed
	t.mu.Unlock()

	s.shutdown(websocket.StatusNormalClosure)
	t.postDestroy(s)
}

func (t *wsTransport) post(s *wsSession, reason Reason, data []byte, final bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return
	}
	t.events = append(t.events, wsEvent{s: s, reason: reason, data: data, final: final})
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// postDestroy queues the session's teardown once.
func (t *wsTransport) postDestroy(s *wsSession) {
	t.mu.Lock()
	if s.destroyPosted {
		t.mu.Unlock()
		return
	}
	s.destroyPosted = true
	t.mu.Unlock()

	t.post(s, ReasonSessionDestroy, nil, true)
}

func (t *wsTransport) remove(s *wsSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s.state = stateClosed
	for i, other := range t.sessions {
		if other == s {
			t.sessions = append(t.sessions[:i], t.sessions[i+1:]...)
			return
		}
	}
}

// wsSession implements Session. Mutable fields are guarded by t.mu.
type wsSession struct {
	t      *wsTransport
	info   ConnectInfo
	url    string
	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}

	conn          *websocket.Conn
	user          string
	state         sessionState
	writable      bool
	destroyPosted bool
	outbox        *queue.Queue
}

func (s *wsSession) User() string {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	return s.user
}

func (s *wsSession) SetUser(user string) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.user = user
}

// Write copies buf[FramePadding:] into the session's outbox for the writer
// goroutine.
func (s *wsSession) Write(buf []byte, mode WriteMode) (int, error) {
	if len(buf) < FramePadding {
		return 0, ErrShortBuffer
	}
	payload := bytes.Clone(buf[FramePadding:])
	if payload == nil {
		payload = []byte{}
	}

	s.t.mu.Lock()
	if s.state != stateOpen {
		s.t.mu.Unlock()
		return 0, ErrClosed
	}
	s.outbox.Add(outFrame{mode: mode, data: payload})
	s.t.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	return len(payload), nil
}

// shutdown closes the socket, if any, and stops the session's goroutines.
func (s *wsSession) shutdown(code websocket.StatusCode) {
	s.t.mu.Lock()
	conn := s.conn
	s.t.mu.Unlock()

	if conn == nil {
		s.cancel()
		return
	}
	go func() {
		_ = conn.Close(code, "")
		s.cancel()
	}()
}
