package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Codec frames JSON-RPC messages over a duplex byte stream, one JSON object
// per LF-terminated line. The writer is serialized so handler responses and
// streaming notifications never interleave on the wire.
type Codec struct {
	reader *bufio.Reader
	writer io.Writer
	mu     sync.Mutex
}

// NewCodec wraps the given reader/writer pair. Lines longer than the
// default bufio limit are supported up to 16 MiB.
func NewCodec(r io.Reader, w io.Writer) *Codec {
	return &Codec{
		reader: bufio.NewReaderSize(r, 16*1024*1024),
		writer: w,
	}
}

// ReadRequest reads the next frame. It returns io.EOF when the stream is
// closed. A line that is not valid JSON returns a *RPCError with code
// ParseError; the caller decides whether to answer (id is unknowable, so
// the response id is null per JSON-RPC 2.0).
func (c *Codec) ReadRequest() (*Request, error) {
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && strings.TrimSpace(line) != "" {
				// Final unterminated line still counts as a frame.
				return c.decodeLine(line)
			}
			return nil, err
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		return c.decodeLine(line)
	}
}

func (c *Codec) decodeLine(line string) (*Request, error) {
	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: fmt.Sprintf("parse error: %v", err)}
	}
	if req.JSONRPC != Version || req.Method == "" {
		return nil, &RPCError{Code: InvalidRequest, Message: "invalid request"}
	}
	return &req, nil
}

// WriteResponse marshals and writes one response frame.
func (c *Codec) WriteResponse(resp *Response) error {
	return c.writeFrame(resp)
}

// WriteNotification marshals and writes one notification frame.
func (c *Codec) WriteNotification(n *Notification) error {
	return c.writeFrame(n)
}

func (c *Codec) writeFrame(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	if f, ok := c.writer.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}
