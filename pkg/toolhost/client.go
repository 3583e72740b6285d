// Package toolhost supervises external tool servers: subprocesses
// spoken to over JSON-RPC on their stdio, following the MCP dialect.
package toolhost

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codeloom-ai/codeloom/pkg/logger"
)

const (
	protocolVersion = "2024-11-05"
	requestTimeout  = 30 * time.Second
)

// ErrRequestTimeout is returned when a tool server does not answer
// within the per-request deadline. The subprocess is left running.
var ErrRequestTimeout = errors.New("tool request timed out")

// rpcFrame is the wire shape shared by requests, notifications and
// responses on the tool channel.
type rpcFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  interface{}     `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcFrameError  `json:"error,omitempty"`
}

type rpcFrameError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// client is one JSON-RPC connection to a tool server. The transport is
// abstract so tests can drive it with in-memory pipes.
type client struct {
	name   string
	writer io.Writer
	closer io.Closer

	nextID  atomic.Int64
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan *rpcFrame
	closed  bool
}

func newClient(name string, rw io.ReadWriteCloser) *client {
	c := &client{
		name:    name,
		writer:  rw,
		closer:  rw,
		pending: make(map[int64]chan *rpcFrame),
	}
	go c.readLoop(rw)
	return c
}

// readLoop matches response ids to pending waiters. Malformed lines
// are skipped; a fatal read error fails this server only.
func (c *client) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var frame rpcFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			logger.GetLogger().Debug("skipping malformed line from tool server",
				"server", c.name, "error", err)
			continue
		}
		if frame.ID == nil {
			// Server-initiated notification; nothing listens today.
			continue
		}

		c.mu.Lock()
		waiter, ok := c.pending[*frame.ID]
		delete(c.pending, *frame.ID)
		c.mu.Unlock()

		if ok {
			waiter <- &frame
		}
	}

	if err := scanner.Err(); err != nil {
		logger.GetLogger().Warn("tool server read failed", "server", c.name, "error", err)
	}
	c.failAll(fmt.Errorf("tool server %s closed its stream", c.name))
}

// failAll resolves every pending waiter with a channel close.
func (c *client) failAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, waiter := range c.pending {
		close(waiter)
		delete(c.pending, id)
	}
}

// call sends one request and waits for its response, bounded by the
// per-request deadline. On timeout the pending slot is released.
func (c *client) call(ctx context.Context, method string, params interface{}, result interface{}) error {
	id := c.nextID.Add(1)
	waiter := make(chan *rpcFrame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("tool server %s is not running", c.name)
	}
	c.pending[id] = waiter
	c.mu.Unlock()

	if err := c.write(rpcFrame{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()

	select {
	case frame, ok := <-waiter:
		if !ok {
			return fmt.Errorf("tool server %s terminated while waiting for %s", c.name, method)
		}
		if frame.Error != nil {
			return fmt.Errorf("tool server %s: %s (code %d)", c.name, frame.Error.Message, frame.Error.Code)
		}
		if result != nil && len(frame.Result) > 0 {
			if err := json.Unmarshal(frame.Result, result); err != nil {
				return fmt.Errorf("failed to decode %s result: %w", method, err)
			}
		}
		return nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("%w: %s on %s", ErrRequestTimeout, method, c.name)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// notify sends a fire-and-forget notification.
func (c *client) notify(method string, params interface{}) error {
	return c.write(rpcFrame{JSONRPC: "2.0", Method: method, Params: params})
}

func (c *client) write(frame rpcFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write to tool server %s: %w", c.name, err)
	}
	return nil
}

func (c *client) close() {
	if c.closer != nil {
		_ = c.closer.Close()
	}
}
