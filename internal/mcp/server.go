// Package mcp exposes the worker tool contract as an MCP server over stdio,
// and carries a small client used to probe such servers.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/basket/featureloop/internal/tools"
)

const ServerName = "featureloop"

const instructions = `Feature backlog for this project. Call feature_get_next to see what to build,
feature_mark_passing once every verification step succeeds, and feature_skip when a
feature is blocked on work that does not exist yet.`

// NewServer registers one MCP tool per worker operation.
func NewServer(h *tools.Handler, version string) *server.MCPServer {
	s := server.NewMCPServer(ServerName, version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	for _, op := range tools.Catalog() {
		s.AddTool(toolFor(op), handlerFor(h, op.Name))
	}
	return s
}

func toolFor(op tools.OpInfo) mcpgo.Tool {
	opts := []mcpgo.ToolOption{mcpgo.WithDescription(op.Description)}
	for _, a := range op.Args {
		props := []mcpgo.PropertyOption{mcpgo.Description(a.Description), mcpgo.Min(a.Min)}
		if a.Max > 0 {
			props = append(props, mcpgo.Max(a.Max))
		}
		if a.Required {
			props = append(props, mcpgo.Required())
		}
		opts = append(opts, mcpgo.WithNumber(a.Name, props...))
	}
	return mcpgo.NewTool(string(op.Name), opts...)
}

// handlerFor reports contract violations and store errors as tool errors so
// the worker sees them, rather than as protocol failures.
func handlerFor(h *tools.Handler, op tools.Op) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		out, err := h.Call(ctx, string(op), req.GetArguments())
		if err != nil {
			return mcpgo.NewToolResultError(err.Error()), nil
		}
		b, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode %s reply: %w", op, err)
		}
		return mcpgo.NewToolResultText(string(b)), nil
	}
}

// Serve speaks newline-delimited JSON-RPC on in/out until ctx ends or in closes.
func Serve(ctx context.Context, s *server.MCPServer, in io.Reader, out io.Writer, errLog *log.Logger) error {
	stdio := server.NewStdioServer(s)
	if errLog != nil {
		stdio.SetErrorLogger(errLog)
	}
	return stdio.Listen(ctx, in, out)
}
