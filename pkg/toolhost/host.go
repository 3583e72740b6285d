package toolhost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/codeloom-ai/codeloom/pkg/config"
	"github.com/codeloom-ai/codeloom/pkg/logger"
)

const shutdownGrace = 5 * time.Second

// ErrToolNotFound is returned when no server owns the requested tool.
var ErrToolNotFound = errors.New("tool not found")

// ToolEntry is one discovered tool, annotated with its owning server.
type ToolEntry struct {
	Tool   mcp.Tool `json:"tool"`
	Server string   `json:"server"`
}

// ToolResult is the parsed outcome of one tools/call.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

type initializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ClientInfo      clientInfo             `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type toolsListResult struct {
	Tools []mcp.Tool `json:"tools"`
}

type callToolParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// contentItem is the slice element of a tools/call result. Parsed with
// a local struct so unknown content types degrade gracefully.
type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type callToolResult struct {
	Content []contentItem `json:"content"`
	IsError bool          `json:"isError"`
}

type serverHandle struct {
	name   string
	client *client
	cmd    *exec.Cmd
}

// Host supervises the configured tool servers and exposes their tools
// in one flat namespace.
type Host struct {
	version string

	mu      sync.RWMutex
	servers map[string]*serverHandle
	tools   map[string]ToolEntry
}

func NewHost(version string) *Host {
	return &Host{
		version: version,
		servers: make(map[string]*serverHandle),
		tools:   make(map[string]ToolEntry),
	}
}

// Start launches every configured server in parallel. A server that
// fails to start or handshake is skipped; the others stay up.
func (h *Host) Start(ctx context.Context, configs []config.ToolServerConfig) error {
	g := new(errgroup.Group)
	for _, cfg := range configs {
		cfg := cfg
		g.Go(func() error {
			if err := h.startServer(ctx, cfg); err != nil {
				logger.GetLogger().Warn("tool server failed to start",
					"server", cfg.Name, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (h *Host) startServer(ctx context.Context, cfg config.ToolServerConfig) error {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Cwd
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to launch %q: %w", cfg.Command, err)
	}

	cl := newClient(cfg.Name, &pipePair{r: stdout, w: stdin})
	if err := h.handshake(ctx, cfg.Name, cl); err != nil {
		cl.close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return err
	}

	h.mu.Lock()
	h.servers[cfg.Name] = &serverHandle{name: cfg.Name, client: cl, cmd: cmd}
	h.mu.Unlock()
	return nil
}

// AttachServer registers a server over an existing transport; used by
// tests to drive the host without spawning subprocesses.
func (h *Host) AttachServer(ctx context.Context, name string, rw io.ReadWriteCloser) error {
	cl := newClient(name, rw)
	if err := h.handshake(ctx, name, cl); err != nil {
		cl.close()
		return err
	}

	h.mu.Lock()
	h.servers[name] = &serverHandle{name: name, client: cl}
	h.mu.Unlock()
	return nil
}

// handshake performs initialize, notifications/initialized and
// tools/list, merging the discovered tools into the flat namespace.
func (h *Host) handshake(ctx context.Context, name string, cl *client) error {
	var initResult map[string]interface{}
	err := cl.call(ctx, "initialize", initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]interface{}{},
		ClientInfo:      clientInfo{Name: "codeloom", Version: h.version},
	}, &initResult)
	if err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}

	if err := cl.notify("notifications/initialized", nil); err != nil {
		return fmt.Errorf("initialized notification failed: %w", err)
	}

	var listed toolsListResult
	if err := cl.call(ctx, "tools/list", nil, &listed); err != nil {
		return fmt.Errorf("tools/list failed: %w", err)
	}

	h.mu.Lock()
	for _, tool := range listed.Tools {
		if existing, ok := h.tools[tool.Name]; ok {
			logger.GetLogger().Warn("tool name collision, keeping first",
				"tool", tool.Name, "kept", existing.Server, "ignored", name)
			continue
		}
		h.tools[tool.Name] = ToolEntry{Tool: tool, Server: name}
	}
	h.mu.Unlock()

	logger.GetLogger().Info("tool server ready", "server", name, "tools", len(listed.Tools))
	return nil
}

// ListTools returns the flat tool namespace in stable order.
func (h *Host) ListTools() []ToolEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	entries := make([]ToolEntry, 0, len(h.tools))
	for _, entry := range h.tools {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Tool.Name < entries[j].Tool.Name })
	return entries
}

// CallTool routes a call to the owning server and parses the reply,
// concatenating text content and honouring isError.
func (h *Host) CallTool(ctx context.Context, name string, args map[string]interface{}) (*ToolResult, error) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	var handle *serverHandle
	if ok {
		handle = h.servers[entry.Server]
	}
	h.mu.RUnlock()

	if !ok || handle == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	var result callToolResult
	if err := handle.client.call(ctx, "tools/call", callToolParams{Name: name, Arguments: args}, &result); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, item := range result.Content {
		if item.Type == "text" {
			text.WriteString(item.Text)
		}
	}
	return &ToolResult{Content: text.String(), IsError: result.IsError}, nil
}

// Stop terminates every server: the transport closes, SIGTERM is sent
// and after the grace period the process is killed.
func (h *Host) Stop() {
	h.mu.Lock()
	servers := h.servers
	h.servers = make(map[string]*serverHandle)
	h.tools = make(map[string]ToolEntry)
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, handle := range servers {
		wg.Add(1)
		go func(handle *serverHandle) {
			defer wg.Done()
			stopServer(handle)
		}(handle)
	}
	wg.Wait()
}

func stopServer(handle *serverHandle) {
	handle.client.close()
	if handle.cmd == nil || handle.cmd.Process == nil {
		return
	}

	_ = handle.cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_ = handle.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGrace):
		logger.GetLogger().Warn("tool server ignored SIGTERM, killing", "server", handle.name)
		_ = handle.cmd.Process.Kill()
		<-done
	}
}

// pipePair joins a subprocess's stdout/stdin into one transport.
type pipePair struct {
	r io.ReadCloser
	w io.WriteCloser
}

func (p *pipePair) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipePair) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipePair) Close() error {
	_ = p.w.Close()
	return p.r.Close()
}
