package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/invopop/jsonschema"

	"github.com/ggoodman/publisher-gateway/faults"
	"github.com/ggoodman/publisher-gateway/internal/logctx"
	"github.com/ggoodman/publisher-gateway/mcp"
)

// Tool pairs a tool descriptor with its schema and typed handler.
type Tool struct {
	Descriptor mcp.Tool

	schema   *jsonschema.Schema
	compiled *paramSchema
	bind     func(raw json.RawMessage) (any, error)
	handler  func(ctx context.Context, call *Call, args any) (*mcp.CallToolResult, error)
}

// ToolOption configures NewTool behavior.
type ToolOption func(*toolConfig)

type toolConfig struct {
	description               string
	allowAdditionalProperties bool // default false (strict)
}

// WithToolDescription sets the tool description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolAllowAdditionalProperties controls whether unknown argument fields
// are accepted. By default they are rejected as invalid params.
func WithToolAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// NewTool constructs a tool from a typed argument struct A. The input schema
// is reflected from A and enforced before fn runs; if A implements Validator
// its rules are enforced too. A domain failure should be returned as an
// error (for example *faults.NotFoundError), not encoded by hand.
func NewTool[A any](name string, fn func(ctx context.Context, call *Call, args A) (*mcp.CallToolResult, error), opts ...ToolOption) Tool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	schema := reflectSchema[A](cfg.allowAdditionalProperties)
	return Tool{
		Descriptor: mcp.Tool{
			Name:        name,
			Description: cfg.description,
			InputSchema: toMCPInputSchema(schema),
		},
		schema: schema,
		bind: func(raw json.RawMessage) (any, error) {
			return bindParams[A](raw)
		},
		handler: func(ctx context.Context, call *Call, args any) (*mcp.CallToolResult, error) {
			a, _ := args.(A)
			return fn(ctx, call, a)
		},
	}
}

// HandleTool registers a tool. Tool names are unique.
func (r *Router) HandleTool(t Tool) error {
	if t.Descriptor.Name == "" || t.handler == nil {
		return fmt.Errorf("router: tools must be built with NewTool")
	}
	compiled, err := compileSchema(t.schema)
	if err != nil {
		return fmt.Errorf("router: tool %s: %w", t.Descriptor.Name, err)
	}
	t.compiled = compiled

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrSealed
	}
	if _, ok := r.tools[t.Descriptor.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Descriptor.Name)
	}
	r.tools[t.Descriptor.Name] = &t
	r.toolOrder = append(r.toolOrder, t.Descriptor.Name)
	return nil
}

// Tools returns the registered tool descriptors in registration order.
func (r *Router) Tools() []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcp.Tool, 0, len(r.toolOrder))
	for _, name := range r.toolOrder {
		out = append(out, r.tools[name].Descriptor)
	}
	return out
}

func (r *Router) listTools(ctx context.Context, call *Call, req mcp.ListToolsRequest) (any, error) {
	items, next, err := page(r.Tools(), req.Cursor, r.pageSize)
	if err != nil {
		return nil, faults.NewInvalidParams(call.Method, err)
	}
	return &mcp.ListToolsResult{Tools: items, PaginatedResult: mcp.PaginatedResult{NextCursor: next}}, nil
}

// toolInvocation is the bound params of tools/call.
type toolInvocation struct {
	tool *Tool
	args any
}

// toolsCallRegistration validates in two stages: the envelope params
// against {name, arguments}, then the arguments against the named tool's
// own schema and rules. Every violation from both stages is reported.
func (r *Router) toolsCallRegistration() MethodRegistration {
	return MethodRegistration{
		Name:   string(mcp.ToolsCallMethod),
		Kind:   KindToolInvoke,
		Schema: reflectSchema[mcp.CallToolRequestReceived](false),
		Bind: func(raw json.RawMessage) (any, error) {
			req, err := bindParams[mcp.CallToolRequestReceived](raw)
			if err != nil || req.Name == "" {
				// Schema validation reports a missing name.
				return nil, err
			}
			r.mu.RLock()
			tool, ok := r.tools[req.Name]
			r.mu.RUnlock()
			if !ok {
				return nil, &faults.Violation{Field: "name", Problem: fmt.Sprintf("unknown tool %q", req.Name)}
			}
			args, bindErr := tool.bind(req.Arguments)
			if err := collect(tool.compiled.validate(req.Arguments), bindErr); err != nil {
				return nil, underField("arguments", err)
			}
			return &toolInvocation{tool: tool, args: args}, nil
		},
		Handler: func(ctx context.Context, call *Call) (any, error) {
			inv := call.Params.(*toolInvocation)
			ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: inv.tool.Descriptor.Name})
			res, err := inv.tool.handler(ctx, call, inv.args)
			if err != nil {
				r.log.InfoContext(ctx, "tool.call.fail", slog.String("err", err.Error()))
				return nil, err
			}
			if res == nil {
				res = &mcp.CallToolResult{Content: []mcp.ContentBlock{}}
			}
			return res, nil
		},
	}
}

// TextResult returns a successful result with a single text block.
func TextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: text}}}
}

// StructuredResult returns a successful result carrying v both as JSON text
// and as structured content.
func StructuredResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return &mcp.CallToolResult{
		Content:           []mcp.ContentBlock{{Type: "text", Text: string(b)}},
		StructuredContent: m,
	}, nil
}
