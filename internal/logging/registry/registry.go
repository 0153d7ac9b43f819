// Package registry keeps a table of named loggers whose destinations can be
// attached and detached at runtime.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
)

// Registry hands out one *slog.Logger per name. A logger with no attached
// handlers discards everything.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	logger *slog.Logger

	// handlers is replaced, never mutated, so Handle can read it lock-free.
	mu       sync.Mutex
	handlers atomic.Pointer[[]slog.Handler]
}

func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Logger returns the logger registered under name, creating it on first use.
func (r *Registry) Logger(name string) *slog.Logger {
	return r.entry(name).logger
}

// Attach adds h to the named logger and returns a function that removes it
// again. The returned function is safe to call more than once.
func (r *Registry) Attach(name string, h slog.Handler) (detach func()) {
	e := r.entry(name)
	id := &attached{h}

	e.mu.Lock()
	e.store(append(e.load(), id))
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.store(slices.DeleteFunc(slices.Clone(e.load()), func(x slog.Handler) bool { return x == slog.Handler(id) }))
		})
	}
}

// Detach removes the first attachment of h from the named logger. Handlers of
// a non-comparable type can only be removed with the function returned by
// Attach.
func (r *Registry) Detach(name string, h slog.Handler) bool {
	if h == nil || !reflect.TypeOf(h).Comparable() {
		return false
	}

	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	handlers := e.load()
	for i, x := range handlers {
		a := x.(*attached)
		if reflect.TypeOf(a.Handler).Comparable() && a.Handler == h {
			e.store(slices.Delete(slices.Clone(handlers), i, i+1))
			return true
		}
	}
	return false
}

// Handlers returns how many handlers are attached to name.
func (r *Registry) Handlers(name string) int {
	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	return len(e.load())
}

// Names lists every logger created so far, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.entries))
}

func (r *Registry) entry(name string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		e = &entry{}
		e.logger = slog.New(&fanout{entry: e})
		r.entries[name] = e
	}
	return e
}

func (e *entry) load() []slog.Handler {
	if p := e.handlers.Load(); p != nil {
		return *p
	}
	return nil
}

func (e *entry) store(handlers []slog.Handler) {
	e.handlers.Store(&handlers)
}

// attached wraps each attachment so it has an identity of its own.
type attached struct {
	slog.Handler
}

// fanout delivers records to whatever is attached to its entry at the time
// of the call. Attributes and groups added through With and WithGroup are
// replayed onto each handler, so handlers attached later still see them.
type fanout struct {
	entry *entry
	ops   []op
}

type op struct {
	group string
	attrs []slog.Attr
}

func (f *fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.entry.load() {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f.entry.load() {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := f.derive(h).Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return f
	}
	return &fanout{entry: f.entry, ops: append(slices.Clip(f.ops), op{attrs: slices.Clone(attrs)})}
}

func (f *fanout) WithGroup(name string) slog.Handler {
	if name == "" {
		return f
	}
	return &fanout{entry: f.entry, ops: append(slices.Clip(f.ops), op{group: name})}
}

func (f *fanout) derive(h slog.Handler) slog.Handler {
	for _, o := range f.ops {
		if o.group != "" {
			h = h.WithGroup(o.group)
		} else {
			h = h.WithAttrs(o.attrs)
		}
	}
	return h
}
