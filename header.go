package pollsocket

import (
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// DefaultMaxHTTPHeaderData is the handshake header space a session gets
// when the creation descriptor does not set one.
const DefaultMaxHTTPHeaderData = 4096

// HeaderWriter is the bounded buffer extra handshake headers are appended
// to. It is only valid during ReasonAppendHandshakeHeader.
type HeaderWriter struct {
	buf []byte
	end int
}

// NewHeaderWriter returns a writer with room for size bytes.
func NewHeaderWriter(size int) *HeaderWriter {
	return &HeaderWriter{buf: make([]byte, 0, size), end: size}
}

// AddHeaderByName appends one "name:value" line. The name must carry its
// trailing colon. Nothing is written when the line does not fit.
func (w *HeaderWriter) AddHeaderByName(name, value string) error {
	field, ok := strings.CutSuffix(name, ":")
	if !ok || !httpguts.ValidHeaderFieldName(field) || !httpguts.ValidHeaderFieldValue(value) {
		return ErrInvalidHeader
	}

	n := len(name) + len(value) + 2
	if len(w.buf)+n > w.end {
		return ErrHeaderSpace
	}

	w.buf = append(w.buf, name...)
	w.buf = append(w.buf, value...)
	w.buf = append(w.buf, '\r', '\n')
	return nil
}

// Remaining reports how many bytes can still be appended.
func (w *HeaderWriter) Remaining() int {
	return w.end - len(w.buf)
}

// Bytes returns the raw header block written so far.
func (w *HeaderWriter) Bytes() []byte {
	return w.buf
}

// Lines returns each appended header line without its line terminator.
func (w *HeaderWriter) Lines() []string {
	if len(w.buf) == 0 {
		return nil
	}
	return strings.Split(strings.TrimSuffix(string(w.buf), "\r\n"), "\r\n")
}

// Header converts the appended lines into an http.Header.
func (w *HeaderWriter) Header() http.Header {
	h := make(http.Header)
	for _, line := range w.Lines() {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		h.Add(name, strings.TrimSpace(value))
	}
	return h
}
