package logging

import (
	"context"
	"log/slog"

	"queue-callback/internal/logcontext"
)

// ContextHandler decorates a slog.Handler with the attrs accumulated on
// the record's context.
type ContextHandler struct {
	slog.Handler
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, attr := range logcontext.Attrs(ctx) {
		r.AddAttrs(attr)
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}
