package pollsocket

import (
	"log/slog"
	"net/http"
	"time"
)

// Option configures a Context.
type Option func(*contextConfig)

type contextConfig struct {
	logger           *slog.Logger
	factory          TransportFactory
	maxQueueDepth    int
	maxMessageSize   int
	handshakeTimeout time.Duration
	httpClient       *http.Client
	onSend           func(c *Connection, text string)
	onReceive        func(c *Connection, text string)
}

func defaultContextConfig() contextConfig {
	return contextConfig{
		logger:           slog.Default(),
		factory:          NewWSTransport,
		maxMessageSize:   DefaultMaxMessageSize,
		handshakeTimeout: DefaultHandshakeTimeout,
	}
}

// WithLogger sets a structured logger for the context and its connections.
func WithLogger(logger *slog.Logger) Option {
	return func(c *contextConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTransportFactory replaces the transport built by Create.
func WithTransportFactory(fn TransportFactory) Option {
	return func(c *contextConfig) {
		if fn != nil {
			c.factory = fn
		}
	}
}

// WithMaxQueueDepth bounds each connection's send queue. SendText returns
// ErrQueueFull once n frames are waiting. Zero leaves queues unbounded.
func WithMaxQueueDepth(n int) Option {
	return func(c *contextConfig) {
		c.maxQueueDepth = n
	}
}

// WithMaxMessageSize caps the size of a reassembled inbound message. Zero
// or negative removes the limit in both the engine and the transport.
func WithMaxMessageSize(n int) Option {
	return func(c *contextConfig) {
		c.maxMessageSize = n
	}
}

// WithHandshakeTimeout bounds the dial and opening handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *contextConfig) {
		c.handshakeTimeout = d
	}
}

// WithHTTPClient sets the HTTP client used for the opening handshake.
func WithHTTPClient(client *http.Client) Option {
	return func(c *contextConfig) {
		c.httpClient = client
	}
}

// WithOnSend sets a callback invoked for each frame handed to the transport.
func WithOnSend(fn func(c *Connection, text string)) Option {
	return func(c *contextConfig) {
		c.onSend = fn
	}
}

// WithOnReceive sets a callback invoked for each complete inbound message.
func WithOnReceive(fn func(c *Connection, text string)) Option {
	return func(c *contextConfig) {
		c.onReceive = fn
	}
}
