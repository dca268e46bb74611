// Package kctx implements the kernel's request-scoped context (C1).
//
// The source this kernel is modeled on relies on an AsyncLocalStorage-like
// facility for implicit propagation. Go has no equivalent, so this package
// takes the fallback the design explicitly sanctions: the context is
// carried explicitly on a stdlib context.Context, threaded as the first
// parameter through every call. FromContext/TryFromContext therefore take a
// context.Context argument rather than reading ambient goroutine-local
// state; Run installs the KernelContext onto the context.Context it hands
// to its callback, and every descendant call that wants the value must
// have that context.Context on its call chain. This is the
// "per-goroutine explicit-context passing with Context-valued first
// parameter" option named in the source design notes.
package kctx

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/agentrt/kernel/internal/kernel/graph"
	"github.com/agentrt/kernel/internal/kerrors"
)

type contextKey struct{}

// Principal identifies the caller a request is running on behalf of.
type Principal struct {
	ID       string
	TenantID string
	Roles    []string
}

// Metrics is a live, write-through view over a node's accumulated metric
// values. Set computes the delta against the previous value for key and
// adds that delta to the backing node (see tracker.track step 6); Get
// returns the node's current cumulative value.
type Metrics interface {
	Set(key string, value float64)
	Get(key string) float64
}

// mapMetrics is the trivial Metrics used by a root context created outside
// any tracked call; it has no node to propagate into.
type mapMetrics struct {
	values map[string]float64
}

func newMapMetrics() *mapMetrics { return &mapMetrics{values: map[string]float64{}} }

func (m *mapMetrics) Set(key string, value float64) { m.values[key] = value }
func (m *mapMetrics) Get(key string) float64        { return m.values[key] }

// Signal is a cooperative cancellation handle. It is a thin view over the
// stdlib context.Context's own cancellation — since this package already
// threads an explicit context.Context, reusing its Done()/Err() avoids a
// second, redundant cancellation channel.
type Signal struct {
	ctx context.Context
}

// Aborted reports whether the owning context.Context has been cancelled.
func (s Signal) Aborted() bool {
	if s.ctx == nil {
		return false
	}
	return s.ctx.Err() != nil
}

// Done returns the underlying context.Context's done channel, or nil.
func (s Signal) Done() <-chan struct{} {
	if s.ctx == nil {
		return nil
	}
	return s.ctx.Done()
}

// KernelContext is the request-scoped record carried with every call.
// Copying a KernelContext by value is the kernel's "shallow copy": scalar
// fields (ProcedurePID, ProcedureNode, Origin, ExecutionID, ExecutionType,
// ParentExecutionID, Metrics) are duplicated, while reference fields
// (Metadata, Events, Signal, ExecutionHandle, Channels, ProcedureGraph)
// keep pointing at the same underlying value as the parent.
type KernelContext struct {
	RequestID string
	TraceID   string
	User      *Principal
	Metadata  map[string]any

	Metrics Metrics
	Events  *Bus
	Signal  Signal

	ExecutionHandle *Bus // superset event bus for external observers; nil if none attached
	Channels        any  // channel.ServiceInterface; kept as any, channel depends on kctx so can't be named here

	ProcedureGraph *graph.Graph
	ProcedurePID   string
	ProcedureNode  *graph.Node

	Origin *graph.Node // root of the current parent-chain

	ExecutionID       string
	IsExecutionBoundary bool
	ExecutionType     string
	ParentExecutionID string
}

// Option overrides a field on a KernelContext at construction/fork time.
type Option func(*KernelContext)

// WithUser sets the request's principal.
func WithUser(p *Principal) Option { return func(kc *KernelContext) { kc.User = p } }

// WithMetadataValue sets a single metadata key on a fresh copy of the
// metadata map, so applying it in Child never writes into the parent's map.
func WithMetadataValue(key string, value any) Option {
	return func(kc *KernelContext) {
		metadata := make(map[string]any, len(kc.Metadata)+1)
		for k, v := range kc.Metadata {
			metadata[k] = v
		}
		metadata[key] = value
		kc.Metadata = metadata
	}
}

// WithTraceID overrides the trace id (rare; normally inherited).
func WithTraceID(id string) Option { return func(kc *KernelContext) { kc.TraceID = id } }

// WithExecutionHandle attaches an external-observer event bus.
func WithExecutionHandle(b *Bus) Option {
	return func(kc *KernelContext) { kc.ExecutionHandle = b }
}

// WithChannels attaches a per-request ChannelService handle.
func WithChannels(svc any) Option { return func(kc *KernelContext) { kc.Channels = svc } }

// WithProcedureGraph attaches the per-request execution tree.
func WithProcedureGraph(g *graph.Graph) Option {
	return func(kc *KernelContext) { kc.ProcedureGraph = g }
}

// WithProcedureCursor overrides the execution-tree cursor fields (pid,
// node, origin). Used by the tracker when forking into a tracked call.
func WithProcedureCursor(pid string, node, origin *graph.Node) Option {
	return func(kc *KernelContext) {
		kc.ProcedurePID = pid
		kc.ProcedureNode = node
		kc.Origin = origin
	}
}

// WithMetrics overrides the metrics view (the tracker installs its delta
// proxy here for a forked context).
func WithMetrics(m Metrics) Option { return func(kc *KernelContext) { kc.Metrics = m } }

// WithExecutionFields overrides the logical-execution grouping fields.
func WithExecutionFields(executionID string, isBoundary bool, executionType, parentExecutionID string) Option {
	return func(kc *KernelContext) {
		kc.ExecutionID = executionID
		kc.IsExecutionBoundary = isBoundary
		kc.ExecutionType = executionType
		kc.ParentExecutionID = parentExecutionID
	}
}

// New constructs a fresh root KernelContext with new ids and a new event
// bus (operation: create).
func New(opts ...Option) *KernelContext {
	kc := &KernelContext{
		RequestID: uuid.NewString(),
		TraceID:   uuid.NewString(),
		Metadata:  map[string]any{},
		Metrics:   newMapMetrics(),
		Events:    NewBus(nil),
	}
	for _, opt := range opts {
		opt(kc)
	}
	return kc
}

// Into installs kc onto ctx, returning the augmented context.Context. This
// is the propagation primitive every other helper in this package and its
// callers build on.
func Into(ctx context.Context, kc *KernelContext) context.Context {
	if kc == nil {
		return ctx
	}
	kc.Signal = Signal{ctx: ctx}
	return context.WithValue(ctx, contextKey{}, kc)
}

// Run establishes kc as the ambient context for the dynamic extent of fn:
// every call fn makes that is passed the returned/derived context.Context
// observes kc via FromContext. Nested Run calls compose naturally because
// context.Context itself is a chain: the previous ambient value is
// restored for any code still holding the outer context.Context once fn
// returns, since Run never mutates its input.
func Run(ctx context.Context, kc *KernelContext, fn func(context.Context) error) error {
	return fn(Into(ctx, kc))
}

// FromContext returns the ambient KernelContext, or ErrContextNotFound if
// ctx was never passed through Into (operation: get).
func FromContext(ctx context.Context) (*KernelContext, error) {
	kc, ok := ctx.Value(contextKey{}).(*KernelContext)
	if !ok || kc == nil {
		return nil, fmt.Errorf("kctx: %w", kerrors.ErrContextNotFound)
	}
	return kc, nil
}

// TryFromContext returns the ambient KernelContext and whether one was
// present (operation: tryGet).
func TryFromContext(ctx context.Context) (*KernelContext, bool) {
	kc, ok := ctx.Value(contextKey{}).(*KernelContext)
	return kc, ok && kc != nil
}

// Child returns a shallow copy of kc with overrides applied to scalar
// fields; reference fields keep aliasing kc's. Per the kernel's isolation
// invariant, overrides on the returned copy never mutate kc (operation:
// child).
func Child(kc *KernelContext, opts ...Option) *KernelContext {
	next := *kc
	for _, opt := range opts {
		opt(&next)
	}
	return &next
}

// Fork is Run(ctx, Child(kc, overrides...), fn) (operation: fork).
func Fork(ctx context.Context, kc *KernelContext, fn func(context.Context) error, opts ...Option) error {
	return Run(ctx, Child(kc, opts...), fn)
}

// Emit constructs a LifecycleEvent and publishes it on ctx's ambient
// Events bus and, if present, its ExecutionHandle bus, plus a wildcard
// delivery (type "*") on both (operation: emit). It is a no-op, not an
// error, when called outside any Run — callers that emit best-effort
// diagnostics should not have to guard every call site.
func Emit(ctx context.Context, eventType string, payload any, source string) {
	kc, ok := TryFromContext(ctx)
	if !ok {
		return
	}
	evt := LifecycleEvent{Type: eventType, Payload: payload, Source: source}
	wildcard := LifecycleEvent{Type: "*", Payload: evt, Source: source}

	if kc.Events != nil {
		kc.Events.Publish(evt)
		kc.Events.Publish(wildcard)
	}
	if kc.ExecutionHandle != nil {
		kc.ExecutionHandle.Publish(evt)
		kc.ExecutionHandle.Publish(wildcard)
	}
}
