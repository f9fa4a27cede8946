package ws

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
)

// reconnectDelayMillis is sent once so browsers back off before reconnecting.
const reconnectDelayMillis = 3000

// SSEClient adapts a flushing response writer to the hub Subscriber interface.
type SSEClient struct {
	mu      sync.Mutex
	out     io.Writer
	flusher http.Flusher
	log     *slog.Logger
	nextID  int64
	primed  bool
	done    bool
}

func NewSSEClient(out io.Writer, flusher http.Flusher, logger *slog.Logger) *SSEClient {
	return &SSEClient{out: out, flusher: flusher, log: logger}
}

// Send writes one deployment event. Multi-line payloads are split across data fields.
func (c *SSEClient) Send(payload []byte) error {
	var frame bytes.Buffer
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	frame.WriteString("id: " + strconv.FormatInt(c.nextID, 10) + "\n")
	frame.WriteString("event: deployment\n")
	for _, line := range bytes.Split(payload, []byte("\n")) {
		frame.WriteString("data: ")
		frame.Write(line)
		frame.WriteByte('\n')
	}
	frame.WriteByte('\n')
	return c.write("event", frame.Bytes())
}

// Heartbeat writes a comment line that clients ignore.
func (c *SSEClient) Heartbeat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.write("heartbeat", []byte(": ping\n\n"))
}

func (c *SSEClient) Close() {
	c.mu.Lock()
	c.done = true
	c.mu.Unlock()
}

// write must be called with mu held.
func (c *SSEClient) write(kind string, frame []byte) error {
	if c.done {
		return io.EOF
	}
	if !c.primed {
		frame = append([]byte("retry: "+strconv.Itoa(reconnectDelayMillis)+"\n\n"), frame...)
	}
	if _, err := c.out.Write(frame); err != nil {
		c.done = true
		c.log.Warn("sse write failed", "frame", kind, "error", err)
		return err
	}
	c.primed = true
	c.flusher.Flush()
	return nil
}
