// Package action dispatches task steps to registered handlers. The
// scheduler core never interprets step semantics; it resolves the type
// tag here and runs whatever is registered.
package action

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"taskmill/internal/metrics"
)

// Handler executes one action step. Implementations must honor ctx
// cancellation; the engine sets a deadline on every call.
type Handler interface {
	Run(ctx context.Context, p Params, rec *Recorder) error
}

// Func adapts a function to Handler.
type Func func(ctx context.Context, p Params, rec *Recorder) error

func (f Func) Run(ctx context.Context, p Params, rec *Recorder) error { return f(ctx, p, rec) }

// MetricSink is where handler-emitted samples go. *metrics.Store
// satisfies it.
type MetricSink interface {
	Record(p metrics.Point) error
}

// Recorder carries execution identity into a handler and forwards the
// samples it emits, labeled with the owning task.
type Recorder struct {
	Task string
	sink MetricSink
}

func NewRecorder(task string, sink MetricSink) *Recorder {
	return &Recorder{Task: task, sink: sink}
}

func (r *Recorder) Observe(name string, value float64) {
	r.ObserveWith(name, value, nil)
}

func (r *Recorder) ObserveWith(name string, value float64, labels map[string]string) {
	if r == nil || r.sink == nil {
		return
	}
	l := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		l[k] = v
	}
	if r.Task != "" {
		l["task"] = r.Task
	}
	// Store failures are logged by the store itself; samples are fire-and-forget here.
	_ = r.sink.Record(metrics.Point{Name: name, Value: value, Labels: l})
}

// Registry maps action type tags to handlers. Registration happens at
// bootstrap; lookups run concurrently from engine workers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(typ string, h Handler) error {
	typ = strings.TrimSpace(typ)
	if typ == "" {
		return fmt.Errorf("action type is required")
	}
	if strings.ContainsAny(typ, " \t\n") {
		return fmt.Errorf("action type %q must not contain whitespace", typ)
	}
	if h == nil {
		return fmt.Errorf("action %q: handler is nil", typ)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[typ]; ok {
		return fmt.Errorf("action type %q already registered", typ)
	}
	r.handlers[typ] = h
	return nil
}

func (r *Registry) Get(typ string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[typ]
	return h, ok
}

func (r *Registry) Known(typ string) bool {
	_, ok := r.Get(typ)
	return ok
}

// Types returns the registered type tags, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
