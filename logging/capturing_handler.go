package logging

import (
	"context"
	"log/slog"
	"strings"
)

// CapturingHandler wraps an slog.Handler to capture log records while passing them through.
type CapturingHandler struct {
	underlying slog.Handler
	collector  *LogCollector
	key        string
	attrs      []slog.Attr
	groups     []string
}

// NewCapturingHandler creates a handler that stores every record under key in
// the collector and forwards it to underlying.
func NewCapturingHandler(underlying slog.Handler, collector *LogCollector, key string) *CapturingHandler {
	return &CapturingHandler{
		underlying: underlying,
		collector:  collector,
		key:        key,
	}
}

// Enabled always returns true so that debug records are captured even when the
// underlying handler would drop them.
func (h *CapturingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

// Handle captures the record and passes it on if the underlying handler is
// enabled for its level.
func (h *CapturingHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := LogEntry{
		Time:       r.Time,
		Level:      r.Level.String(),
		Message:    r.Message,
		Attributes: make(map[string]any, r.NumAttrs()+len(h.attrs)),
	}
	for _, attr := range h.attrs {
		entry.Attributes[attr.Key] = resolveValue(attr.Value)
	}
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	r.Attrs(func(a slog.Attr) bool {
		entry.Attributes[prefix+a.Key] = resolveValue(a.Value)
		return true
	})
	h.collector.AddLog(h.key, entry)

	if !h.underlying.Enabled(ctx, r.Level) {
		return nil
	}
	return h.underlying.Handle(ctx, r)
}

// WithAttrs returns a CapturingHandler so capturing survives logger.With.
func (h *CapturingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	newAttrs := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	newAttrs = append(newAttrs, h.attrs...)
	for _, a := range attrs {
		newAttrs = append(newAttrs, slog.Attr{Key: prefix + a.Key, Value: a.Value})
	}

	return &CapturingHandler{
		underlying: h.underlying.WithAttrs(attrs),
		collector:  h.collector,
		key:        h.key,
		attrs:      newAttrs,
		groups:     h.groups,
	}
}

// WithGroup returns a CapturingHandler so capturing survives logger.WithGroup.
// Captured attribute keys are prefixed with the group path.
func (h *CapturingHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &CapturingHandler{
		underlying: h.underlying.WithGroup(name),
		collector:  h.collector,
		key:        h.key,
		attrs:      h.attrs,
		groups:     append(append([]string(nil), h.groups...), name),
	}
}

// resolveValue converts a slog.Value to a JSON-serializable value.
func resolveValue(v slog.Value) any {
	v = v.Resolve()

	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time()
	case slog.KindGroup:
		attrs := v.Group()
		group := make(map[string]any, len(attrs))
		for _, attr := range attrs {
			group[attr.Key] = resolveValue(attr.Value)
		}
		return group
	default:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return v.Any()
	}
}
