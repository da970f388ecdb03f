// Package mcp wraps an MCP server so every tool call is routed through the
// control plane before the real handler runs: the handler is registered with
// the SDK client as a served tool, and the MCP-facing handler invokes it
// through the enforcement point, so policy checks and attestation waits apply
// to MCP traffic unchanged.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/macawsecurity/secureAI/client"
)

// ToolInput is the generic parameter envelope for guarded tools.
type ToolInput struct {
	Params map[string]interface{} `json:"params,omitempty" jsonschema:"tool parameters"`
}

// ToolOutput carries the tool result or the enforcement failure.
type ToolOutput struct {
	Result  interface{} `json:"result,omitempty"`
	Blocked bool        `json:"blocked,omitempty"`
	Reason  string      `json:"reason,omitempty"`
}

// Server is an MCP server whose tools run behind the enforcement point.
type Server struct {
	mcpServer *mcpsdk.Server
	sdk       *client.Client
	name      string
}

// New creates a guarded MCP server backed by the given SDK client. The client
// carries the agent identity, intent policy, and tool handlers.
func New(name, version string, sdk *client.Client) *Server {
	s := &Server{
		sdk:  sdk,
		name: name,
	}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    name,
			Version: version,
		},
		nil,
	)
	return s
}

// AddTool exposes a guarded tool on the MCP server. toolName must match a
// tool registered on the SDK client; the MCP handler routes the call through
// the control plane, which dispatches it back to the client's worker.
func (s *Server) AddTool(toolName, description string) {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        toolName,
		Description: description,
	}, s.guarded(toolName))
}

func (s *Server) guarded(toolName string) func(context.Context, *mcpsdk.CallToolRequest, ToolInput) (*mcpsdk.CallToolResult, ToolOutput, error) {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input ToolInput) (*mcpsdk.CallToolResult, ToolOutput, error) {
		result, err := s.sdk.InvokeTool(ctx, toolName, "", input.Params)
		if err != nil {
			out := ToolOutput{
				Blocked: true,
				Reason:  err.Error(),
			}
			return &mcpsdk.CallToolResult{IsError: true}, out, nil
		}

		var parsed interface{}
		if len(result) > 0 {
			if jsonErr := json.Unmarshal(result, &parsed); jsonErr != nil {
				parsed = string(result)
			}
		}
		return nil, ToolOutput{Result: parsed}, nil
	}
}

// Run starts the MCP server on stdio transport after registering the agent.
// Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if s.sdk.AgentID() == "" {
		if err := s.sdk.Register(ctx); err != nil {
			return fmt.Errorf("failed to register agent: %w", err)
		}
		defer s.sdk.Unregister(context.Background())
	}
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}
