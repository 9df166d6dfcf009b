package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/avratys/loom"
)

// Client is a connection to one MCP server. It performs the initialize
// handshake, discovers the server's tools, and multiplexes tools/call
// requests over the shared stdio transport.
type Client struct {
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader

	mu      sync.Mutex // protects writes, nextID, pending
	nextID  int64
	pending map[int64]chan response

	done    chan struct{}
	readErr error

	serverName string
	tools      []toolDef
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger for protocol-level warnings.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Dial starts the MCP server as a subprocess and connects to it over its
// stdin/stdout. ctx bounds the handshake only; the server keeps running
// until Close.
func Dial(ctx context.Context, command string, args []string, opts ...Option) (*Client, error) {
	cmd := exec.Command(command, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mcp: start %s: %w", command, err)
	}

	c, err := Connect(ctx, stdin, stdout, opts...)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, err
	}
	c.cmd = cmd
	return c, nil
}

// Connect performs the MCP handshake over an existing transport: initialize,
// the initialized notification, then tools/list. Useful for servers reached
// through something other than a subprocess, and for tests.
func Connect(ctx context.Context, stdin io.WriteCloser, stdout io.Reader, opts ...Option) (*Client, error) {
	c := &Client{
		logger:  slog.New(slog.DiscardHandler),
		stdin:   stdin,
		stdout:  stdout,
		pending: make(map[int64]chan response),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.readLoop()

	var init initializeResult
	raw, err := c.call(ctx, "initialize", initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    struct{}{},
		ClientInfo:      clientInfo{Name: "loom", Version: "1"},
	})
	if err != nil {
		return nil, fmt.Errorf("mcp: initialize: %w", err)
	}
	if err := json.Unmarshal(raw, &init); err != nil {
		return nil, fmt.Errorf("mcp: initialize result: %w", err)
	}
	c.serverName = init.ServerInfo.Name

	if err := c.notify("notifications/initialized"); err != nil {
		return nil, fmt.Errorf("mcp: initialized notification: %w", err)
	}

	var list toolsListResult
	raw, err = c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("mcp: tools/list: %w", err)
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("mcp: tools/list result: %w", err)
	}
	c.tools = list.Tools

	return c, nil
}

// ServerName returns the name the server reported during initialize.
func (c *Client) ServerName() string { return c.serverName }

// Tools returns the server's tools wrapped as loom.Tool values. Each call
// routes through this client's transport.
func (c *Client) Tools() []loom.Tool {
	out := make([]loom.Tool, 0, len(c.tools))
	for _, def := range c.tools {
		out = append(out, &serverTool{client: c, def: def})
	}
	return out
}

// Close shuts the connection down. For subprocess servers the process gets a
// closed stdin first and a kill if it has not exited within five seconds.
func (c *Client) Close() error {
	c.stdin.Close()
	if c.cmd == nil {
		return nil
	}

	waited := make(chan error, 1)
	go func() { waited <- c.cmd.Wait() }()
	select {
	case err := <-waited:
		return err
	case <-time.After(5 * time.Second):
		c.cmd.Process.Kill()
		return <-waited
	}
}

// call sends a request and blocks until its response, ctx end, or transport
// failure.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan response, 1)
	c.pending[id] = ch
	err := c.writeLocked(request{JSONRPC: "2.0", ID: &id, Method: method, Params: params})
	c.mu.Unlock()
	if err != nil {
		c.dropPending(id)
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("mcp: %s: %s (code %d)", method, resp.Error.Message, resp.Error.Code)
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	case <-c.done:
		if c.readErr != nil {
			return nil, fmt.Errorf("mcp: connection lost: %w", c.readErr)
		}
		return nil, fmt.Errorf("mcp: connection closed")
	}
}

// notify sends a notification (no ID, no response expected).
func (c *Client) notify(method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(request{JSONRPC: "2.0", Method: method})
}

func (c *Client) writeLocked(req request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("mcp: marshal request: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("mcp: write request: %w", err)
	}
	return nil
}

func (c *Client) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop dispatches server responses to their waiting callers. Frames
// without an ID are server notifications and are ignored.
func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, 0, 10<<20), 10<<20) // 10MB max message

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Warn("mcp: malformed frame", "error", err)
			continue
		}
		if resp.ID == nil {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[*resp.ID]
		delete(c.pending, *resp.ID)
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}

	c.readErr = scanner.Err()
	close(c.done)
}
