package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToolSpec describes one dispatcher method exposed as an MCP tool.
type ToolSpec struct {
	// Method is the dispatcher method name the tool invokes.
	Method string
	// Description is the tool description shown to MCP clients.
	Description string
	// Properties is the JSON schema "properties" object of the arguments.
	Properties map[string]any
	// Required lists the mandatory argument names.
	Required []string
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// RegisterMCP exposes dispatcher methods as MCP tools named
// "atelier_<method>". Tool arguments pass through to the handler as its
// params map; handler results marshal to a single JSON text content.
func RegisterMCP(srv *mcp.Server, d *Dispatcher, specs []ToolSpec) {
	for _, spec := range specs {
		registerTool(srv, d, spec)
	}
}

func registerTool(srv *mcp.Server, d *Dispatcher, spec ToolSpec) {
	tool := &mcp.Tool{
		Name:        "atelier_" + spec.Method,
		Description: spec.Description,
		InputSchema: inputSchema(spec.Properties, spec.Required),
	}
	method := spec.Method

	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		params := map[string]any{}
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &params); err != nil {
				var res mcp.CallToolResult
				res.SetError(fmt.Errorf("invalid arguments: %w", err))
				return &res, nil
			}
		}

		value, err := d.Call(ctx, method, params)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(errors.New(err.Error()))
			return &res, nil
		}

		data, err := json.Marshal(value)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}
