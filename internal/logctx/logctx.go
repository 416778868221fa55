// Package logctx enriches slog records with request, session, and node scope
// carried on the context, so handlers never thread identifiers by hand.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
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

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("subject", sd.Subject),
			slog.String("kind", sd.Kind),
		))
	}

	if nd, ok := ctx.Value(nodeDataKey{}).(*NodeData); ok {
		r.AddAttrs(slog.Group("node",
			slog.String("subject", nd.Subject),
			slog.String("name", nd.Name),
		))
	}

	return h.Handler.Handle(ctx, r)
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

type sessionDataKey struct{}

type SessionData struct {
	SessionID string
	Subject   string
	Kind      string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type nodeDataKey struct{}

type NodeData struct {
	Subject string
	Name    string
}

func WithNodeData(ctx context.Context, data *NodeData) context.Context {
	return context.WithValue(ctx, nodeDataKey{}, data)
}
