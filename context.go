package pollsocket

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// MaxPayload is the largest text frame SendText accepts, and the
	// receive chunk size of the context's protocol.
	MaxPayload = 64 * 1024

	DefaultMaxMessageSize   = 32 * 1024 * 1024
	DefaultHandshakeTimeout = 30 * time.Second
)

// extensions is the compression table every context offers.
var extensions = []Extension{
	{
		Name:        "permessage-deflate",
		ClientOffer: "permessage-deflate; client_no_context_takeover",
		NoTakeover:  true,
	},
	{
		Name:        "deflate-frame",
		ClientOffer: "deflate_frame",
	},
}

// Context owns the shared transport and every Connection created on it.
// It is safe for concurrent use; all transport work is serialized by one
// lock and happens synchronously inside Tick.
type Context struct {
	cfg       contextConfig
	logger    *slog.Logger
	protocols []Protocol

	mu        sync.Mutex
	transport Transport
	conns     map[string]*Connection // live sessions by connection key
	events    []func()               // application events raised during dispatch
}

// NewContext returns a Context with no transport. Call Create before
// connecting.
func NewContext(opts ...Option) *Context {
	cfg := defaultContextConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &Context{
		cfg:    cfg,
		logger: cfg.logger,
		conns:  make(map[string]*Connection),
	}
	c.protocols = []Protocol{{
		Name:         "",
		Callback:     c.dispatch,
		RxBufferSize: MaxPayload,
	}}

	return c
}

// Create builds the shared transport. It returns ErrContextExists if the
// transport was already created. When the transport cannot be built the
// context stays empty and every Connect fails fast.
func (c *Context) Create() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport != nil {
		c.logger.Error("context already created")
		return ErrContextExists
	}

	info := &CreationInfo{
		Protocols:         c.protocols,
		Extensions:        extensions,
		Options:           OptionValidateUTF8 | OptionSSLGlobalInit,
		Port:              -1,
		UID:               -1,
		GID:               -1,
		MaxHTTPHeaderData: DefaultMaxHTTPHeaderData,
		MaxMessageSize:    int64(c.cfg.maxMessageSize),
		HandshakeTimeout:  c.cfg.handshakeTimeout,
		HTTPClient:        c.cfg.httpClient,
		Logger:            c.logger,
	}

	t, err := c.cfg.factory(info)
	if err != nil {
		c.logger.Error("transport init failed", slog.Any("error", err))
		return &ContextError{Op: "create", Err: err}
	}
	c.transport = t

	c.logger.Debug("transport created")
	return nil
}

// Tick services the transport once: every live session is offered a
// writable slot, then all pending socket events are dispatched without
// blocking. Application events raised during the pass are delivered after
// the lock is released, in the order the transport reported them.
//
// The embedding application must call Tick on a regular cadence.
func (c *Context) Tick(delta time.Duration) {
	c.mu.Lock()
	if c.transport != nil {
		c.transport.CallbackOnWritableAll()
		if err := c.transport.Service(0); err != nil {
			c.logger.Error("transport service failed", slog.Any("error", err))
		}
	}
	events := c.events
	c.events = nil
	c.mu.Unlock()

	for _, fn := range events {
		fn()
	}
}

// Run calls Tick every interval until ctx is done.
func (c *Context) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			c.Tick(now.Sub(last))
			last = now
		}
	}
}

// Connect creates a Connection to uri with no extra handshake headers.
func (c *Context) Connect(uri string) (*Connection, error) {
	return c.ConnectWithHeaders(uri, nil)
}

// ConnectWithHeaders creates a Connection to uri that adds headers to its
// opening handshake. It returns ErrNoTransport if Create has not
// succeeded. If the Connection's own connect attempt fails, the Connection
// is returned together with the error so callers can inspect it.
func (c *Context) ConnectWithHeaders(uri string, headers map[string]string) (*Connection, error) {
	c.mu.Lock()
	ready := c.transport != nil
	c.mu.Unlock()

	if !ready {
		return nil, ErrNoTransport
	}

	conn := NewConnection()
	conn.Setup(uri, headers, c)
	if err := conn.Connect(); err != nil {
		return conn, err
	}

	return conn, nil
}

// Len returns the number of connections holding a live session.
func (c *Context) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// Close detaches every Connection and destroys the transport. Detached
// connections raise no events. Close is idempotent.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, conn := range c.conns {
		conn.epoch++
		conn.cleanup()
	}
	c.events = nil

	if c.transport == nil {
		return nil
	}

	err := c.transport.Destroy()
	c.transport = nil
	if err != nil {
		c.logger.Error("transport destroy failed", slog.Any("error", err))
		return &ContextError{Op: "destroy", Err: err}
	}

	return nil
}

// post queues an application event for delivery at the end of the
// current Tick. Callers hold c.mu.
func (c *Context) post(fn func()) {
	c.events = append(c.events, fn)
}

func (c *Context) register(conn *Connection) {
	c.conns[conn.key] = conn
}

func (c *Context) unregister(key string) {
	delete(c.conns, key)
}

// resolve maps an event back to the Connection owning its session. Keys
// of closed connections and sessions that no longer belong to their
// connection resolve to nil.
func (c *Context) resolve(ev *Event) *Connection {
	if ev.User == "" {
		return nil
	}
	conn, ok := c.conns[ev.User]
	if !ok {
		return nil
	}
	if ev.Session != nil && conn.session != ev.Session {
		return nil
	}
	return conn
}
