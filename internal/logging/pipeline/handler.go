package pipeline

import (
	"context"
	"log/slog"
	"maps"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/Chichichkin/ElasticLoggingAgent/internal/logging"
)

// ContentKey is the attribute key whose value becomes the document content.
const ContentKey = "content"

// Content attaches a structured payload that is stored as the document
// content, exactly as given, instead of the message text.
func Content(v any) slog.Attr {
	return slog.Any(ContentKey, v)
}

// Handler is a slog.Handler feeding a Pipeline. Handle never returns an
// error.
//
// A top-level Content attribute becomes the payload. All other attributes
// are collected into the document fields, with groups as nested objects.
type Handler struct {
	pipeline *Pipeline
	level    slog.Leveler

	fields     map[string]any
	groups     []string
	payload    any
	hasPayload bool
}

// Handler returns a slog.Handler writing to p. It may be attached and
// detached freely; all handlers share the pipeline.
func (p *Pipeline) Handler() *Handler {
	return &Handler{pipeline: p, level: p.level}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	if h.pipeline.State() != Active {
		return false
	}
	return h.level == nil || level >= h.level.Level()
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if h.pipeline.State() != Active {
		return nil
	}

	fields := cloneFields(h.fields)
	payload, hasPayload := h.payload, h.hasPayload
	r.Attrs(func(a slog.Attr) bool {
		if len(h.groups) == 0 && a.Key == ContentKey {
			payload, hasPayload = payloadValue(a.Value), true
			return true
		}
		addAttr(descend(fields, h.groups), a)
		return true
	})
	prune(fields)

	if !hasPayload {
		payload = r.Message
	}
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	event := logging.LogEvent{
		Time:    ts,
		Level:   r.Level,
		Message: r.Message,
		Payload: payload,
	}
	if len(fields) > 0 {
		event.Fields = fields
	}

	h.pipeline.Emit(ctx, event)
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	h2 := h.clone()
	for _, a := range attrs {
		if len(h2.groups) == 0 && a.Key == ContentKey {
			h2.payload, h2.hasPayload = payloadValue(a.Value), true
			continue
		}
		addAttr(descend(h2.fields, h2.groups), a)
	}
	return h2
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := h.clone()
	h2.groups = append(h2.groups, name)
	return h2
}

func (h *Handler) clone() *Handler {
	h2 := *h
	h2.fields = cloneFields(h.fields)
	if h2.fields == nil {
		h2.fields = make(map[string]any)
	}
	h2.groups = slices.Clip(h.groups)
	return &h2
}

// cloneFields copies the nested group maps so they can be extended
// without touching the handler they came from. Leaf values are shared.
func cloneFields(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		if m, ok := v.(map[string]any); ok {
			dst[k] = cloneFields(m)
			continue
		}
		dst[k] = v
	}
	return dst
}

func descend(m map[string]any, groups []string) map[string]any {
	for _, g := range groups {
		next, ok := m[g].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[g] = next
		}
		m = next
	}
	return m
}

func addAttr(m map[string]any, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	if a.Value.Kind() == slog.KindGroup {
		attrs := a.Value.Group()
		if len(attrs) == 0 {
			return
		}
		target := m
		if a.Key != "" {
			target = descend(m, []string{a.Key})
		}
		for _, ga := range attrs {
			addAttr(target, ga)
		}
		return
	}

	m[a.Key] = attrValue(a.Value)
}

// payloadValue keeps the payload as given, except that groups become
// objects and non-finite floats become strings.
func payloadValue(v slog.Value) any {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindGroup:
		m := make(map[string]any)
		for _, a := range v.Group() {
			addAttr(m, a)
		}
		prune(m)
		return m
	case slog.KindFloat64:
		return floatValue(v.Float64())
	}
	return v.Any()
}

func attrValue(v slog.Value) any {
	switch v.Kind() {
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindFloat64:
		return floatValue(v.Float64())
	case slog.KindAny:
		switch x := v.Any().(type) {
		case error:
			return x.Error()
		case float32:
			if f := float64(x); math.IsNaN(f) || math.IsInf(f, 0) {
				return floatValue(f)
			}
		}
	}
	return v.Any()
}

func floatValue(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return f
}

// prune drops groups that ended up without attributes.
func prune(m map[string]any) {
	maps.DeleteFunc(m, func(_ string, v any) bool {
		sub, ok := v.(map[string]any)
		if !ok {
			return false
		}
		prune(sub)
		return len(sub) == 0
	})
}
