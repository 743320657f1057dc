package push

import (
	"errors"
	"net/http"
	"sync"
)

// ErrStreamingUnsupported is returned when the response writer cannot flush
var ErrStreamingUnsupported = errors.New("response writer does not support streaming")

// ErrConnClosed is returned by Write after Close; the broadcaster prunes
// the connection on the next delivery.
var ErrConnClosed = errors.New("sse connection closed")

// SSEConn adapts a long-lived HTTP response into a push connection.
// Frames produced by the broadcaster are already in server-sent-events
// format, so Write only needs to forward and flush them. The handler
// must Close the conn before returning; the ResponseWriter is invalid
// after that.
type SSEConn struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	f      http.Flusher
	closed bool
}

// NewSSEConn prepares the response for event streaming
func NewSSEConn(w http.ResponseWriter) (*SSEConn, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()

	return &SSEConn{w: w, f: f}, nil
}

// Write sends one frame and flushes it to the client
func (c *SSEConn) Write(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}
	if _, err := c.w.Write(p); err != nil {
		return err
	}
	c.f.Flush()
	return nil
}

// Close cuts the conn off from the underlying ResponseWriter. A write
// in flight finishes first; later writes fail with ErrConnClosed.
func (c *SSEConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
