package pollsocket

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Reason identifies why the transport invoked the protocol callback.
type Reason int

const (
	ReasonProtocolInit Reason = iota + 1
	ReasonSessionDestroy
	ReasonClientClosed
	ReasonClosedClientHTTP
	ReasonConnectionError
	ReasonClientEstablished
	ReasonAppendHandshakeHeader
	ReasonClientReceive
	ReasonClientWriteable
)

var reasonNames = map[Reason]string{
	ReasonProtocolInit:          "protocol_init",
	ReasonSessionDestroy:        "session_destroy",
	ReasonClientClosed:          "client_closed",
	ReasonClosedClientHTTP:      "closed_client_http",
	ReasonConnectionError:       "connection_error",
	ReasonClientEstablished:     "client_established",
	ReasonAppendHandshakeHeader: "append_handshake_header",
	ReasonClientReceive:         "client_receive",
	ReasonClientWriteable:       "client_writeable",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// Event is what the transport hands to the protocol callback.
type Event struct {
	Reason  Reason
	Session Session

	// User is the session's user key as it stood when the event was
	// delivered. Empty once the owner detached.
	User string

	// Data carries the received payload for ReasonClientReceive and the
	// error message for ReasonConnectionError.
	Data []byte

	// Final marks the last fragment of a message.
	Final bool

	// Headers is only set for ReasonAppendHandshakeHeader.
	Headers *HeaderWriter
}

// CallbackFunc handles transport events. A negative return asks the
// transport to abort the session.
type CallbackFunc func(ev *Event) int

// Protocol describes the single protocol a context speaks.
type Protocol struct {
	Name         string
	Callback     CallbackFunc
	RxBufferSize int
}

// Extension is an entry in the compression extension table.
type Extension struct {
	Name        string
	ClientOffer string
	NoTakeover  bool
}

// Context creation flags.
const (
	OptionValidateUTF8 uint = 1 << iota
	OptionSSLGlobalInit
)

// CreationInfo describes the transport to build.
type CreationInfo struct {
	Protocols  []Protocol
	Extensions []Extension
	Options    uint

	// Port is -1 for client-only contexts.
	Port int
	UID  int
	GID  int

	// MaxHTTPHeaderData bounds the handshake header buffer.
	MaxHTTPHeaderData int

	// MaxMessageSize is the largest inbound message a session reads.
	// Zero or negative means no limit.
	MaxMessageSize int64

	HandshakeTimeout time.Duration

	// HTTPClient is used by transports that dial over HTTP. If nil, the
	// transport picks its own.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// SSLMode selects TLS behavior for a client connection.
type SSLMode int

const (
	SSLDisabled SSLMode = iota
	SSLEnabled
	// SSLAllowSelfSigned uses TLS but does not fail on certificate problems.
	SSLAllowSelfSigned
)

// ConnectInfo describes one client connect request.
type ConnectInfo struct {
	Address  string
	Port     int
	Path     string
	Host     string
	Origin   string
	Protocol string
	SSL      SSLMode

	// User is stored on the session and returned with every event.
	User string
}

// WriteMode is the frame type for Session.Write.
type WriteMode int

const (
	WriteText WriteMode = iota + 1
	WriteBinary
)

// FramePadding is the headroom Session.Write expects in front of the payload.
const FramePadding = 16

// Session is the transport's handle for one client connection.
// Sessions are only touched from inside the callback or under the
// owning context's lock.
type Session interface {
	User() string
	SetUser(user string)

	// Write queues buf[FramePadding:] as one frame and returns the payload
	// length accepted.
	Write(buf []byte, mode WriteMode) (int, error)
}

// Transport is the event loop that owns every session.
type Transport interface {
	// Service dispatches every pending event to the protocol callback.
	// A zero timeout never blocks.
	Service(timeout time.Duration) error

	// CallbackOnWritableAll marks every established session
	// writable-pending for the next Service pass.
	CallbackOnWritableAll()

	ClientConnect(info *ConnectInfo) (Session, error)

	Destroy() error
}

// TransportFactory builds a Transport from a creation descriptor.
type TransportFactory func(info *CreationInfo) (Transport, error)
