package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

const protocolVersion = "2024-11-05"

// Tool is one entry of a tools/list reply.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ToolResult is the text content of a tools/call reply, concatenated.
type ToolResult struct {
	Text    string
	IsError bool
}

// RPCError is a JSON-RPC error object returned by the server.
type RPCError struct {
	Code    int64
	Message string
}

func (e *RPCError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

var errClientClosed = errors.New("mcp client closed")

// Client speaks just enough MCP to handshake, list tools and call them. It
// is used by the doctor probe and by tests against the stdio server.
type Client struct {
	name, version string
	t             Transport

	mu      sync.Mutex
	lastID  int64
	waiters map[int64]chan gjson.Result
	done    bool
}

// NewClient starts reading replies from t in the background.
func NewClient(name, version string, t Transport) *Client {
	c := &Client{name: name, version: version, t: t, waiters: map[int64]chan gjson.Result{}}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	defer c.failWaiters()
	for {
		msg, err := c.t.Receive(context.Background())
		if err != nil {
			return
		}
		reply := gjson.ParseBytes(msg)
		id := reply.Get("id")
		// Server-initiated requests and notifications are not ours to answer.
		if id.Type != gjson.Number || reply.Get("method").Exists() {
			continue
		}
		if ch := c.take(id.Int()); ch != nil {
			ch <- reply
		}
	}
}

func (c *Client) register() (int64, chan gjson.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return 0, nil, errClientClosed
	}
	c.lastID++
	ch := make(chan gjson.Result, 1)
	c.waiters[c.lastID] = ch
	return c.lastID, ch, nil
}

func (c *Client) take(id int64) chan gjson.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := c.waiters[id]
	delete(c.waiters, id)
	return ch
}

// failWaiters releases every in-flight call once the stream ends.
func (c *Client) failWaiters() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done = true
	for id, ch := range c.waiters {
		close(ch)
		delete(c.waiters, id)
	}
}

func (c *Client) send(ctx context.Context, msg map[string]any) error {
	msg["jsonrpc"] = "2.0"
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %v: %w", msg["method"], err)
	}
	return c.t.Send(ctx, b)
}

func (c *Client) call(ctx context.Context, method string, params any) (gjson.Result, error) {
	id, ch, err := c.register()
	if err != nil {
		return gjson.Result{}, err
	}
	msg := map[string]any{"id": id, "method": method}
	if params != nil {
		msg["params"] = params
	}
	if err := c.send(ctx, msg); err != nil {
		c.take(id)
		return gjson.Result{}, err
	}
	select {
	case <-ctx.Done():
		c.take(id)
		return gjson.Result{}, ctx.Err()
	case reply, ok := <-ch:
		if !ok {
			return gjson.Result{}, errClientClosed
		}
		if e := reply.Get("error"); e.Exists() {
			return gjson.Result{}, &RPCError{Code: e.Get("code").Int(), Message: e.Get("message").String()}
		}
		return reply.Get("result"), nil
	}
}

// Initialize performs the handshake and acknowledges it.
func (c *Client) Initialize(ctx context.Context) error {
	_, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]string{"name": c.name, "version": c.version},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := c.send(ctx, map[string]any{"method": "notifications/initialized"}); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	res, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	var out []Tool
	res.Get("tools").ForEach(func(_, v gjson.Result) bool {
		out = append(out, Tool{
			Name:        v.Get("name").String(),
			Description: v.Get("description").String(),
			InputSchema: json.RawMessage(v.Get("inputSchema").Raw),
		})
		return true
	})
	return out, nil
}

// CallTool returns tool-level failures in ToolResult.IsError; err is reserved
// for protocol and transport failures such as an unknown tool.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (ToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	res, err := c.call(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return ToolResult{}, fmt.Errorf("tools/call %s: %w", name, err)
	}
	var sb strings.Builder
	for _, text := range res.Get(`content.#(type=="text")#.text`).Array() {
		sb.WriteString(text.String())
	}
	return ToolResult{Text: sb.String(), IsError: res.Get("isError").Bool()}, nil
}

func (c *Client) Close() error {
	return c.t.Close()
}
