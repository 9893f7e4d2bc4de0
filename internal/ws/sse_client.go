package ws

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// SSEClient streams Server-Sent Events over an HTTP response writer.
type SSEClient struct {
	mu       sync.Mutex
	writer   io.Writer
	flusher  http.Flusher
	event    string
	log      *slog.Logger
	closed   atomic.Bool
	done     chan struct{}
	once     sync.Once
	last     time.Time
	deadline func(time.Time) error
	timeout  time.Duration
}

// NewSSEClient builds an SSE client whose frames carry no event name.
func NewSSEClient(writer io.Writer, flusher http.Flusher, logger *slog.Logger) *SSEClient {
	return NewNamedSSEClient(writer, flusher, "", logger)
}

// NewNamedSSEClient builds an SSE client that tags every frame with event.
func NewNamedSSEClient(writer io.Writer, flusher http.Flusher, event string, logger *slog.Logger) *SSEClient {
	return &SSEClient{writer: writer, flusher: flusher, event: event, log: logger, done: make(chan struct{}), last: time.Now().UTC()}
}

// SetWriteTimeout bounds every frame write. setDeadline is usually
// http.ResponseController.SetWriteDeadline.
func (c *SSEClient) SetWriteTimeout(setDeadline func(time.Time) error, timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = setDeadline
	c.timeout = timeout
}

// Send emits a data frame.
func (c *SSEClient) Send(payload []byte) error {
	if c.event == "" {
		return c.write("data: %s\n\n", payload)
	}
	return c.write("event: %s\ndata: %s\n\n", c.event, payload)
}

// Heartbeat emits a comment frame to keep the connection alive.
func (c *SSEClient) Heartbeat() error {
	return c.write(": ping\n\n")
}

func (c *SSEClient) write(format string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return io.EOF
	}
	if c.deadline != nil && c.timeout > 0 {
		// Writers without deadline support report http.ErrNotSupported.
		_ = c.deadline(time.Now().Add(c.timeout))
	}
	if _, err := fmt.Fprintf(c.writer, format, args...); err != nil {
		c.Close()
		c.log.Warn("sse write failed", "error", err)
		return err
	}
	c.flusher.Flush()
	c.last = time.Now().UTC()
	return nil
}

// Close marks the stream as closed. It does not wait for a write in flight.
func (c *SSEClient) Close() {
	c.closed.Store(true)
	c.once.Do(func() { close(c.done) })
}

// Done is closed once the client is closed, either by the hub or after a
// failed write.
func (c *SSEClient) Done() <-chan struct{} {
	return c.done
}

// LastActivity reports the timestamp of the most recent successful write.
func (c *SSEClient) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
