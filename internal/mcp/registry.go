package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/kaptinlin/jsonrepair"
	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/crewflow/internal/auth"
	"github.com/HyphaGroup/crewflow/internal/metrics"
)

// ToolHandler is a function that handles a tool call
type ToolHandler func(ctx context.Context, arguments json.RawMessage) (any, error)

type ctxKeyCallToolRequest struct{}

// WithCallToolRequest stores the MCP CallToolRequest in context
func WithCallToolRequest(ctx context.Context, req *mcp_sdk.CallToolRequest) context.Context {
	return context.WithValue(ctx, ctxKeyCallToolRequest{}, req)
}

// CallToolRequestFromContext retrieves the MCP CallToolRequest from context
func CallToolRequestFromContext(ctx context.Context) *mcp_sdk.CallToolRequest {
	if req, ok := ctx.Value(ctxKeyCallToolRequest{}).(*mcp_sdk.CallToolRequest); ok {
		return req
	}
	return nil
}

// ToolDef defines a tool with all metadata
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Target      ToolTarget     `json:"target"`
	Access      ToolAccess     `json:"access"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`

	resolved *jsonschema.Resolved
}

// Registry stores tool definitions and handlers
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*ToolDef
	handlers map[string]ToolHandler
	order    []string // preserve registration order
}

// NewRegistry creates a new tool registry
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]*ToolDef),
		handlers: make(map[string]ToolHandler),
	}
}

// Register adds a tool with its handler to the registry. The input schema is
// generated from P and arguments are validated against it before the
// handler runs.
func Register[P any](r *Registry, def ToolDef, handler func(ctx context.Context, req *mcp_sdk.CallToolRequest, params P) (*mcp_sdk.CallToolResult, any, error)) {
	schema, err := jsonschema.For[P](nil)
	if err != nil {
		panic(fmt.Sprintf("mcp: schema for tool %s: %v", def.Name, err))
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		panic(fmt.Sprintf("mcp: resolve schema for tool %s: %v", def.Name, err))
	}
	if def.InputSchema == nil {
		def.InputSchema = schemaMap(schema)
	}
	def.resolved = resolved

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; !exists {
		r.order = append(r.order, def.Name)
	}
	r.tools[def.Name] = &def
	r.handlers[def.Name] = wrapHandler(&def, handler)
}

// schemaMap converts a schema into the object form MCP clients expect.
func schemaMap(s *jsonschema.Schema) map[string]any {
	data, err := json.Marshal(s)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	delete(m, "types")
	m["type"] = "object"
	return m
}

// GetTool returns a tool definition by name
func (r *Registry) GetTool(name string) (*ToolDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// GetAllTools returns all tool definitions in registration order
func (r *Registry) GetAllTools() []*ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]*ToolDef, 0, len(r.order))
	for _, name := range r.order {
		tools = append(tools, r.tools[name])
	}
	return tools
}

// GetToolsForScope returns tools available for the given token scope.
// Crew-targeted tools are listed for crew scopes; the crew itself is checked
// per call.
func (r *Registry) GetToolsForScope(tokenScope string) []*ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]*ToolDef, 0, len(r.order))
	for _, name := range r.order {
		if def := r.tools[name]; IsToolAllowed(def, tokenScope) {
			tools = append(tools, def)
		}
	}
	return tools
}

// IsToolAllowed checks if a specific tool name is allowed for a token scope
func (r *Registry) IsToolAllowed(toolName, tokenScope string) bool {
	def, ok := r.GetTool(toolName)
	return ok && IsToolAllowed(def, tokenScope)
}

// CallTool executes a tool by name with JSON arguments
func (r *Registry) CallTool(ctx context.Context, name string, args json.RawMessage) (any, error) {
	r.mu.RLock()
	handler, ok := r.handlers[name]
	def := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	if a := auth.FromContext(ctx); a != nil && a.Token != nil && !IsToolAllowed(def, a.Token.Scope) {
		return nil, fmt.Errorf("tool %s is not permitted for scope %s", name, a.Token.Scope)
	}
	return handler(ctx, args)
}

// RegisterWithMCPServer registers the tools allowed for tokenScope with an
// MCP SDK server. An empty scope registers every tool.
func (r *Registry) RegisterWithMCPServer(server *mcp_sdk.Server, tokenScope string) {
	tools := r.GetAllTools()
	if tokenScope != "" {
		tools = r.GetToolsForScope(tokenScope)
	}

	for _, def := range tools {
		name := def.Name
		tool := &mcp_sdk.Tool{
			Name:        name,
			Description: def.Description,
			InputSchema: def.InputSchema,
		}

		server.AddTool(tool, func(ctx context.Context, req *mcp_sdk.CallToolRequest) (*mcp_sdk.CallToolResult, error) {
			ctx = WithCallToolRequest(ctx, req)
			var args json.RawMessage
			if req != nil && req.Params != nil {
				args = req.Params.Arguments
			}
			result, err := r.CallTool(ctx, name, args)
			if err != nil {
				metrics.RecordToolCall(name, "error")
				return NewErrorResult(SanitizeError(err, name).Error()), nil
			}
			metrics.RecordToolCall(name, "ok")
			if ctr, ok := result.(*mcp_sdk.CallToolResult); ok && ctr != nil {
				return ctr, nil
			}
			return NewJSONResult(result), nil
		})
	}
}

// decodeArgs repairs, validates and decodes tool arguments into params.
func decodeArgs(def *ToolDef, args json.RawMessage, params any) error {
	if len(strings.TrimSpace(string(args))) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		repaired, err := jsonrepair.JSONRepair(string(args))
		if err != nil {
			return fmt.Errorf("invalid parameters: %w", err)
		}
		args = json.RawMessage(repaired)
	}

	if def.resolved != nil {
		var instance any
		if err := json.Unmarshal(args, &instance); err != nil {
			return fmt.Errorf("invalid parameters: %w", err)
		}
		if err := def.resolved.Validate(instance); err != nil {
			return fmt.Errorf("invalid parameters: %w", err)
		}
	}
	if err := json.Unmarshal(args, params); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}

// wrapHandler wraps a typed handler into a ToolHandler
func wrapHandler[P any](def *ToolDef, handler func(ctx context.Context, req *mcp_sdk.CallToolRequest, params P) (*mcp_sdk.CallToolResult, any, error)) ToolHandler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var params P
		if err := decodeArgs(def, args, &params); err != nil {
			return nil, err
		}

		req := CallToolRequestFromContext(ctx)
		if req == nil {
			req = &mcp_sdk.CallToolRequest{
				Params: &mcp_sdk.CallToolParamsRaw{
					Name:      def.Name,
					Arguments: args,
				},
			}
		}

		result, data, err := handler(ctx, req, params)
		if err != nil {
			return nil, err
		}

		if result != nil && result.IsError {
			errMsg := "tool execution failed"
			if len(result.Content) > 0 {
				if textContent, ok := result.Content[0].(*mcp_sdk.TextContent); ok {
					errMsg = textContent.Text
				}
			}
			return nil, fmt.Errorf("%s", errMsg)
		}

		if data != nil {
			return data, nil
		}
		return result, nil
	}
}
