package ws

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const defaultSSEEvent = "build"

// SSEOption configures an SSEClient.
type SSEOption func(*SSEClient)

// WithEventName sets the event field written before every payload.
func WithEventName(name string) SSEOption {
	return func(c *SSEClient) {
		if name != "" {
			c.event = name
		}
	}
}

// WithRetry sets the reconnect delay advertised to the browser by Open.
func WithRetry(d time.Duration) SSEOption {
	return func(c *SSEClient) { c.retry = d }
}

// WithLastEventID continues event ids after the one a reconnecting client
// reported in its Last-Event-ID header. Unparseable values are ignored.
func WithLastEventID(raw string) SSEOption {
	return func(c *SSEClient) {
		if id, err := strconv.ParseUint(raw, 10, 64); err == nil {
			c.seq = id
		}
	}
}

// SSEClient is a hub subscriber that encodes build progress as a
// text/event-stream.
type SSEClient struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	log     *slog.Logger
	event   string
	retry   time.Duration
	seq     uint64
	closed  bool
}

// NewSSEClient wraps a streaming response.
func NewSSEClient(w io.Writer, flusher http.Flusher, logger *slog.Logger, opts ...SSEOption) *SSEClient {
	c := &SSEClient{w: w, flusher: flusher, log: logger, event: defaultSSEEvent}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open writes the stream preamble: the retry hint when one is set, otherwise
// a comment so proxies see the first bytes immediately.
func (c *SSEClient) Open() error {
	if c.retry > 0 {
		return c.write("retry: " + strconv.FormatInt(c.retry.Milliseconds(), 10) + "\n\n")
	}
	return c.write(": open\n\n")
}

// Send writes one event. Every payload line becomes its own data field.
func (c *SSEClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	c.seq++

	var frame bytes.Buffer
	frame.WriteString("event: ")
	frame.WriteString(c.event)
	frame.WriteByte('\n')
	for _, line := range bytes.Split(bytes.TrimRight(payload, "\r\n"), []byte("\n")) {
		frame.WriteString("data: ")
		frame.Write(bytes.TrimSuffix(line, []byte("\r")))
		frame.WriteByte('\n')
	}
	frame.WriteString("id: ")
	frame.WriteString(strconv.FormatUint(c.seq, 10))
	frame.WriteString("\n\n")
	return c.flushLocked(frame.Bytes())
}

// Heartbeat writes a comment frame.
func (c *SSEClient) Heartbeat() error {
	return c.write(": ping\n\n")
}

// LastID returns the id of the most recent event sent.
func (c *SSEClient) LastID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Close stops further writes. The response itself is owned by the handler.
func (c *SSEClient) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *SSEClient) write(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	return c.flushLocked([]byte(s))
}

func (c *SSEClient) flushLocked(frame []byte) error {
	if _, err := c.w.Write(frame); err != nil {
		c.closed = true
		c.log.Warn("sse write failed", "error", err)
		return err
	}
	if c.flusher != nil {
		c.flusher.Flush()
	}
	return nil
}
