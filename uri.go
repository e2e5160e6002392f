package pollsocket

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

// Target is a parsed ws:// or wss:// URI.
type Target struct {
	Scheme string

	// Host is the host segment as written, port included. It is sent as
	// both Host and Origin.
	Host string

	Address string
	Port    int
	Path    string
	TLS     bool
}

// ParseURI splits uri into its connect parameters. Ports default to 80 for
// ws and 443 for wss, the path to "/". Query strings and fragments stay
// part of the path.
func ParseURI(uri string) (*Target, error) {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok || scheme == "" {
		return nil, fmt.Errorf("%w: missing scheme delimiter in %q", ErrInvalidURI, uri)
	}

	t := &Target{Scheme: strings.ToLower(scheme), Path: "/"}
	switch t.Scheme {
	case "ws":
		t.Port = 80
	case "wss":
		t.Port = 443
		t.TLS = true
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}

	t.Host = rest
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		t.Host = rest[:i]
		if rest[i] == '/' {
			t.Path = rest[i:]
		} else {
			t.Path = "/" + rest[i:]
		}
	}
	if t.Host == "" {
		return nil, fmt.Errorf("%w: empty host in %q", ErrInvalidURI, uri)
	}

	t.Address = t.Host
	if host, port, err := net.SplitHostPort(t.Host); err == nil {
		p, err := strconv.Atoi(port)
		if err != nil || p < 1 || p > 65535 {
			return nil, fmt.Errorf("%w: bad port %q", ErrInvalidURI, port)
		}
		t.Address, t.Port = host, p
	} else if strings.HasPrefix(t.Host, "[") && strings.HasSuffix(t.Host, "]") {
		t.Address = t.Host[1 : len(t.Host)-1]
	}
	if t.Address == "" {
		return nil, fmt.Errorf("%w: empty host in %q", ErrInvalidURI, uri)
	}

	if !isASCII(t.Address) {
		ascii, err := idna.Lookup.ToASCII(t.Address)
		if err != nil {
			return nil, fmt.Errorf("%w: host %q: %v", ErrInvalidURI, t.Address, err)
		}
		t.Address = ascii
	}

	return t, nil
}

// String reassembles the target with its effective port.
func (t *Target) String() string {
	return t.Scheme + "://" + net.JoinHostPort(t.Address, strconv.Itoa(t.Port)) + t.Path
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
