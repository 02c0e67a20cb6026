package build

import (
	"context"
	"log/slog"

	"github.com/btcsuite/btclog"
	btclogv2 "github.com/btcsuite/btclog/v2"
)

// HandlerSet fans every log record out to several btclog handlers, one per
// destination. All members share one level.
type HandlerSet struct {
	level    btclog.Level
	handlers []btclogv2.Handler
}

var _ btclogv2.Handler = (*HandlerSet)(nil)

// NewHandlerSet groups handlers at the info level.
func NewHandlerSet(handlers ...btclogv2.Handler) *HandlerSet {
	h := &HandlerSet{handlers: handlers}
	h.SetLevel(btclog.LevelInfo)
	return h
}

func (h *HandlerSet) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *HandlerSet) Handle(ctx context.Context, r slog.Record) error {
	return fanOut(ctx, r, asSlog(h.handlers))
}

func (h *HandlerSet) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(slogSet, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithAttrs(attrs)
	}
	return out
}

func (h *HandlerSet) WithGroup(name string) slog.Handler {
	out := make(slogSet, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithGroup(name)
	}
	return out
}

// SubSystem tags every member with a subsystem name.
func (h *HandlerSet) SubSystem(tag string) btclogv2.Handler {
	return h.derive(func(hh btclogv2.Handler) btclogv2.Handler { return hh.SubSystem(tag) })
}

func (h *HandlerSet) WithPrefix(prefix string) btclogv2.Handler {
	return h.derive(func(hh btclogv2.Handler) btclogv2.Handler { return hh.WithPrefix(prefix) })
}

// SetLevel changes the level of every member.
func (h *HandlerSet) SetLevel(level btclog.Level) {
	for _, hh := range h.handlers {
		hh.SetLevel(level)
	}
	h.level = level
}

func (h *HandlerSet) Level() btclog.Level {
	return h.level
}

func (h *HandlerSet) derive(fn func(btclogv2.Handler) btclogv2.Handler) *HandlerSet {
	out := &HandlerSet{level: h.level, handlers: make([]btclogv2.Handler, len(h.handlers))}
	for i, hh := range h.handlers {
		out.handlers[i] = fn(hh)
	}
	return out
}

// slogSet is the plain slog.Handler result of WithAttrs and WithGroup.
type slogSet []slog.Handler

func (s slogSet) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range s {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (s slogSet) Handle(ctx context.Context, r slog.Record) error {
	return fanOut(ctx, r, s)
}

func (s slogSet) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(slogSet, len(s))
	for i, hh := range s {
		out[i] = hh.WithAttrs(attrs)
	}
	return out
}

func (s slogSet) WithGroup(name string) slog.Handler {
	out := make(slogSet, len(s))
	for i, hh := range s {
		out[i] = hh.WithGroup(name)
	}
	return out
}

func asSlog(handlers []btclogv2.Handler) []slog.Handler {
	out := make([]slog.Handler, len(handlers))
	for i, hh := range handlers {
		out[i] = hh
	}
	return out
}

// fanOut hands r to every handler enabled for its level. The first error
// is returned after all handlers ran.
func fanOut(ctx context.Context, r slog.Record, handlers []slog.Handler) error {
	var first error
	for _, hh := range handlers {
		if !hh.Enabled(ctx, r.Level) {
			continue
		}
		if err := hh.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}
