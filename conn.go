package pollsocket

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Connection is one client WebSocket session on a Context.
//
// A Connection is configured with Setup and started with Connect. Once its
// session is gone (closed, torn down, or its Context closed) it can still
// be inspected, and Connect may be called again for a fresh session.
type Connection struct {
	key    string
	logger *slog.Logger

	// Guarded by ctx.mu.
	uri           string
	headers       map[string]string
	ctx           *Context
	session       Session
	queue         *sendQueue
	rx            []byte
	discard       bool
	closeNotified bool
	epoch         uint64 // bumped when the application detaches

	hmu               sync.RWMutex
	onConnectComplete []func()
	onConnectError    []func(message string)
	onClosed          []func()
	onReceiveData     []func(text string)
}

// NewConnection returns an unconfigured Connection.
func NewConnection() *Connection {
	c := &Connection{
		key:     uuid.NewString(),
		headers: make(map[string]string),
		queue:   newSendQueue(0),
	}
	c.logger = slog.Default().With(slog.String("conn", c.key))
	return c
}

// Setup assigns the target uri, the extra handshake headers and the owning
// context. It does no I/O and may be called again before Connect. Setup is
// ignored while the Connection holds a session, since its headers have
// already been consumed by the handshake.
func (c *Connection) Setup(uri string, headers map[string]string, ctx *Context) {
	unlock := c.lock()
	defer unlock()

	if c.session != nil {
		c.logger.Error("setup on a connected session ignored")
		return
	}

	c.uri = uri
	c.headers = maps.Clone(headers)
	if c.headers == nil {
		c.headers = make(map[string]string)
	}

	c.ctx = ctx
	logger := slog.Default()
	if ctx != nil {
		logger = ctx.logger
		c.queue = newSendQueue(ctx.cfg.maxQueueDepth)
	}
	c.logger = logger.With(slog.String("conn", c.key), slog.String("uri", uri))
}

// Connect parses the uri and asks the transport for a session. Errors are
// logged and returned; no event is raised for them.
func (c *Connection) Connect() error {
	if c.ctx == nil {
		c.logger.Error("connect without context")
		return ErrNoTransport
	}

	c.ctx.mu.Lock()
	defer c.ctx.mu.Unlock()

	if c.ctx.transport == nil {
		c.logger.Error("connect without transport")
		return ErrNoTransport
	}
	if c.session != nil {
		return ErrAlreadyConnected
	}

	target, err := ParseURI(c.uri)
	if err != nil {
		c.logger.Error("invalid websocket address", slog.Any("error", err))
		return err
	}

	ssl := SSLDisabled
	if target.TLS {
		ssl = SSLAllowSelfSigned
	}

	c.logger.Info("connecting", slog.String("target", target.String()))

	s, err := c.ctx.transport.ClientConnect(&ConnectInfo{
		Address: target.Address,
		Port:    target.Port,
		Path:    target.Path,
		Host:    target.Host,
		Origin:  target.Host,
		SSL:     ssl,
		User:    c.key,
	})
	if err == nil && s == nil {
		err = ErrClosed
	}
	if err != nil {
		c.logger.Error("create client connect failed", slog.Any("error", err))
		return &ConnectionError{Op: "connect", URL: c.uri, Err: err}
	}

	c.session = s
	c.closeNotified = false
	c.rx = c.rx[:0]
	c.discard = false
	c.ctx.register(c)

	return nil
}

// SendText queues text for the next writable slot. Payloads over
// MaxPayload bytes are rejected and never queued.
func (c *Connection) SendText(text string) error {
	if len(text) > MaxPayload {
		c.logger.Error("payload too large to send",
			slog.Int("size", len(text)),
			slog.Int("max", MaxPayload),
		)
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(text), MaxPayload)
	}

	unlock := c.lock()
	defer unlock()

	if c.session == nil {
		c.logger.Error("the socket is closed, send failed")
		return ErrClosed
	}

	if err := c.queue.push(text); err != nil {
		c.logger.Error("send queue full", slog.Int("depth", c.queue.len()))
		return err
	}

	return nil
}

// Close detaches the session and raises the closed event, unless this
// Connection has already reported closed. It is safe to call repeatedly.
// After the transport has reported the session closed, an explicit Close
// is silent: OnClosed fires once per session, not once per call.
// The remote peer is not guaranteed to be notified.
//
// Events of the session still waiting for delivery in the current Tick
// are dropped, so no handler other than OnClosed runs after Close.
func (c *Connection) Close() {
	unlock := c.lock()
	c.epoch++
	c.cleanup()
	notify := !c.closeNotified
	c.closeNotified = true
	unlock()

	if notify {
		c.emitClosed()
	}
}

// Key returns the identifier the transport tags this connection's session with.
func (c *Connection) Key() string {
	return c.key
}

// URI returns the configured target.
func (c *Connection) URI() string {
	unlock := c.lock()
	defer unlock()
	return c.uri
}

// Headers returns a copy of the configured handshake headers.
func (c *Connection) Headers() map[string]string {
	unlock := c.lock()
	defer unlock()
	return maps.Clone(c.headers)
}

// Active reports whether the Connection holds a transport session.
func (c *Connection) Active() bool {
	unlock := c.lock()
	defer unlock()
	return c.session != nil
}

// Pending returns the number of frames waiting in the send queue.
func (c *Connection) Pending() int {
	unlock := c.lock()
	defer unlock()
	return c.queue.len()
}

// OnConnectComplete registers fn to run when the handshake completes.
func (c *Connection) OnConnectComplete(fn func()) {
	c.hmu.Lock()
	c.onConnectComplete = append(c.onConnectComplete, fn)
	c.hmu.Unlock()
}

// OnConnectError registers fn to run when the transport fails to connect.
func (c *Connection) OnConnectError(fn func(message string)) {
	c.hmu.Lock()
	c.onConnectError = append(c.onConnectError, fn)
	c.hmu.Unlock()
}

// OnClosed registers fn to run when the connection closes.
func (c *Connection) OnClosed(fn func()) {
	c.hmu.Lock()
	c.onClosed = append(c.onClosed, fn)
	c.hmu.Unlock()
}

// OnReceiveData registers fn to run for every complete inbound message.
func (c *Connection) OnReceiveData(fn func(text string)) {
	c.hmu.Lock()
	c.onReceiveData = append(c.onReceiveData, fn)
	c.hmu.Unlock()
}

// lock takes the owning context's lock, if any, and returns its release.
func (c *Connection) lock() func() {
	ctx := c.ctx
	if ctx == nil {
		return func() {}
	}
	ctx.mu.Lock()
	return ctx.mu.Unlock
}

// cleanup detaches the session so later transport events for it are
// ignored. Idempotent. Callers hold ctx.mu.
func (c *Connection) cleanup() {
	if c.session == nil {
		return
	}
	c.session.SetUser("")
	c.session = nil
	c.rx = c.rx[:0]
	c.discard = false
	if c.ctx != nil {
		c.ctx.unregister(c.key)
	}
}

// processWriteable hands every queued frame to the session, oldest first.
// It raises no application events.
func (c *Connection) processWriteable() {
	if c.session == nil || c.queue.len() == 0 {
		return
	}

	buf := make([]byte, FramePadding+MaxPayload)
	err := c.queue.drain(func(text string) error {
		n := copy(buf[FramePadding:], text)
		if _, err := c.session.Write(buf[:FramePadding+n], WriteText); err != nil {
			return err
		}
		if fn := c.ctx.cfg.onSend; fn != nil {
			c.ctx.post(func() { fn(c, text) })
		}
		return nil
	})
	if err != nil {
		c.logger.Error("write failed", slog.Any("error", err), slog.Int("pending", c.queue.len()))
	}
}

// processRead collects fragments until final and raises the receive event
// with the whole message decoded as UTF-8.
func (c *Connection) processRead(data []byte, final bool) {
	if c.discard {
		c.discard = !final
		return
	}

	if limit := c.ctx.cfg.maxMessageSize; limit > 0 && len(c.rx)+len(data) > limit {
		c.logger.Error("inbound message too large, dropped",
			slog.Int("size", len(c.rx)+len(data)),
			slog.Int("max", limit),
		)
		c.rx = c.rx[:0]
		c.discard = !final
		return
	}

	if !final {
		c.rx = append(c.rx, data...)
		return
	}

	msg := data
	if len(c.rx) > 0 {
		c.rx = append(c.rx, data...)
		msg = c.rx
	}
	text := strings.ToValidUTF8(string(msg), "\uFFFD")
	c.rx = c.rx[:0]

	if fn := c.ctx.cfg.onReceive; fn != nil {
		c.post(func() { fn(c, text) })
	}
	c.post(func() { c.emitReceiveData(text) })
}

// processHeader appends one "key:value" line per configured header. It
// returns false if any header is rejected or does not fit.
func (c *Connection) processHeader(w *HeaderWriter) bool {
	if len(c.headers) == 0 {
		return true
	}

	for _, key := range slices.Sorted(maps.Keys(c.headers)) {
		if err := w.AddHeaderByName(key+":", c.headers[key]); err != nil {
			c.logger.Error("append handshake header failed",
				slog.String("header", key),
				slog.Any("error", err),
			)
			return false
		}
	}

	return true
}

func (c *Connection) raiseConnectComplete() {
	c.post(c.emitConnectComplete)
}

func (c *Connection) raiseConnectError(message string) {
	c.post(func() { c.emitConnectError(message) })
}

// post queues fn on the context for delivery after the current Tick
// releases the lock. fn is skipped if the application closed this
// Connection in the meantime. Callers hold ctx.mu.
func (c *Connection) post(fn func()) {
	epoch := c.epoch
	c.ctx.post(func() {
		unlock := c.lock()
		current := c.epoch
		unlock()
		if current == epoch {
			fn()
		}
	})
}

func (c *Connection) raiseClosed() {
	if c.closeNotified {
		return
	}
	c.closeNotified = true
	c.ctx.post(c.emitClosed)
}

func (c *Connection) emitConnectComplete() {
	c.hmu.RLock()
	handlers := slices.Clone(c.onConnectComplete)
	c.hmu.RUnlock()
	for _, fn := range handlers {
		fn()
	}
}

func (c *Connection) emitConnectError(message string) {
	c.hmu.RLock()
	handlers := slices.Clone(c.onConnectError)
	c.hmu.RUnlock()
	for _, fn := range handlers {
		fn(message)
	}
}

func (c *Connection) emitClosed() {
	c.hmu.RLock()
	handlers := slices.Clone(c.onClosed)
	c.hmu.RUnlock()
	for _, fn := range handlers {
		fn()
	}
}

func (c *Connection) emitReceiveData(text string) {
	c.hmu.RLock()
	handlers := slices.Clone(c.onReceiveData)
	c.hmu.RUnlock()
	for _, fn := range handlers {
		fn(text)
	}
}
