package log

import (
	"context"
	"log/slog"
)

// DiscardHandler is a slog.Handler that drops every record. Used as the
// Engine's default logger when the caller supplies none, so LogAttrs calls
// throughout the engine never need a nil check beyond what LogEnabled
// already does.
type DiscardHandler struct{}

func (DiscardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (DiscardHandler) Handle(context.Context, slog.Record) error { return nil }
func (h DiscardHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h DiscardHandler) WithGroup(string) slog.Handler           { return h }
