package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with the request, connection, rpc, tool and
// resource groups found on the context.
type Handler struct {
	slog.Handler
}

// New wraps h so that context data is attached to every record. Wrapping
// an already wrapped handler returns it unchanged.
func New(h slog.Handler) Handler {
	if lh, ok := h.(Handler); ok {
		return lh
	}
	return Handler{Handler: h}
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if cd, ok := ctx.Value(connectionDataKey{}).(*ConnectionData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("id", cd.ConnectionID),
			slog.String("user_id", cd.UserID),
			slog.String("transport", cd.Transport),
		))
	}

	if msg, ok := ctx.Value(rpcMsg{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", msg.Method),
			slog.String("id", msg.ID),
			slog.String("type", msg.Type),
		))
	}

	if td, ok := ctx.Value(toolCallDataKey{}).(*ToolCallData); ok {
		r.AddAttrs(slog.Group("tool",
			slog.String("name", td.ToolName),
		))
	}

	if rd, ok := ctx.Value(resourceDataKey{}).(*ResourceData); ok {
		r.AddAttrs(slog.Group("resource",
			slog.String("uri", rd.URI),
			slog.String("template", rd.Template),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type rpcMsg struct{}

type RPCMessage struct {
	Method string
	ID     string
	Type   string
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsg{}, msg)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type connectionDataKey struct{}

type ConnectionData struct {
	ConnectionID string
	UserID       string
	Transport    string
}

func WithConnectionData(ctx context.Context, data *ConnectionData) context.Context {
	return context.WithValue(ctx, connectionDataKey{}, data)
}

type toolCallDataKey struct{}

type ToolCallData struct {
	ToolName string
}

func WithToolCallData(ctx context.Context, data *ToolCallData) context.Context {
	return context.WithValue(ctx, toolCallDataKey{}, data)
}

type resourceDataKey struct{}

// ResourceData names the resource a read or list call resolved to.
type ResourceData struct {
	URI      string
	Template string
}

func WithResourceData(ctx context.Context, data *ResourceData) context.Context {
	return context.WithValue(ctx, resourceDataKey{}, data)
}
