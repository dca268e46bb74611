// Package tracker implements the Execution Tracker (C3): the central
// concurrency primitive that registers a ProcedureGraph node around a
// unit of work, forks the ambient context onto it, and classifies the
// outcome.
package tracker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentrt/kernel/internal/kerrors"
	"github.com/agentrt/kernel/internal/kernel/graph"
	"github.com/agentrt/kernel/internal/kernel/kctx"
	"github.com/agentrt/kernel/internal/telemetry"
)

// Boundary selects how a tracked call's logical "execution" grouping is
// resolved against the ambient context.
type Boundary string

const (
	// BoundaryAlways always mints a fresh executionId and marks the node
	// as a boundary; parentExecutionId may still inherit from ambient.
	BoundaryAlways Boundary = "always"
	// BoundaryChild always mints a fresh executionId whose parent is the
	// ambient executionId, and marks the node as a boundary.
	BoundaryChild Boundary = "child"
	// BoundaryAuto inherits the ambient executionId without marking a
	// boundary if one exists; otherwise mints a new root boundary. This
	// is the default when Options.Boundary is empty.
	BoundaryAuto Boundary = "auto"
	// BoundaryNone always inherits from ambient and never marks a boundary.
	BoundaryNone Boundary = "none"
)

// Options configures a single Track call.
type Options struct {
	// Name is the procedure/operation name; also the source of the
	// derived ExecutionType unless ExecutionType is set explicitly.
	Name string
	// ParentPID overrides the parent node; defaults to the ambient
	// context's ProcedurePID.
	ParentPID string
	Metadata  map[string]any

	// ExecutionID, if set, is used verbatim whenever this call mints a new
	// boundary (always, child, or auto with no ambient executionId);
	// ignored otherwise.
	ExecutionID   string
	ExecutionType string
	Boundary      Boundary
}

// Iterator is the streaming counterpart to a plain return value: a
// handler that wants to emit a sequence of chunks returns one instead of
// a plain value. Track pulls it to exhaustion, emitting "stream:chunk"
// per item, and closes it on every exit path.
type Iterator interface {
	Next(ctx context.Context) (value any, ok bool, err error)
	Close() error
}

// Fn is the unit of work Track runs under the forked context. It may
// return a plain value or an Iterator.
type Fn func(ctx context.Context, node *graph.Node) (any, error)

// Tracker ties node tracking to the telemetry stack; a nil Tracer or
// Metrics is tolerated (tracing/metrics become no-ops).
type Tracker struct {
	Tracer  *telemetry.Tracer
	Metrics *telemetry.Metrics
}

// New builds a Tracker against the given telemetry components.
func New(tracer *telemetry.Tracer, metrics *telemetry.Metrics) *Tracker {
	return &Tracker{Tracer: tracer, Metrics: metrics}
}

// Track registers a node for opts around fn, forks the ambient context
// onto it, and classifies the outcome: a plain return value completes
// the node, an Iterator is drained chunk by chunk emitting
// "stream:chunk", and any error classifies the node as cancelled (abort
// shaped) or failed.
func (t *Tracker) Track(ctx context.Context, opts Options, fn Fn) (any, error) {
	kc, err := kctx.FromContext(ctx)
	if err != nil {
		return nil, err
	}

	// Step 1: ensure a graph exists, lazily.
	if kc.ProcedureGraph == nil {
		kc.ProcedureGraph = graph.New()
	}
	g := kc.ProcedureGraph

	// Step 2: allocate pid, resolve parentPid.
	pid := uuid.NewString()
	parentPID := opts.ParentPID
	if parentPID == "" {
		parentPID = kc.ProcedurePID
	}

	// Step 3: compute origin.
	var origin *graph.Node
	switch {
	case parentPID == "":
		origin = nil
	case kc.Origin != nil:
		origin = kc.Origin
	default:
		origin = g.Root()
	}

	// Step 4: resolve execution boundary.
	executionID, isBoundary, parentExecutionID := resolveBoundary(opts, kc)

	// Step 5: register the node.
	executionType := graph.ExecutionType(opts.Name, opts.ExecutionType)
	node := g.Register(pid, graph.RegisterOptions{
		ParentPID:           parentPID,
		Name:                opts.Name,
		Metadata:            opts.Metadata,
		ExecutionID:         executionID,
		IsExecutionBoundary: isBoundary,
		ExecutionType:       executionType,
	})

	// Step 6: isolated metrics delta-proxy over the node.
	metricsProxy := &nodeMetrics{graph: g, pid: pid, previous: map[string]float64{}}

	// Step 7: open a tracing span.
	spanCtx, span := t.startSpan(ctx, opts.Name, pid, executionID, executionType)

	forked := kctx.Child(kc,
		kctx.WithProcedureCursor(pid, node, origin),
		kctx.WithMetrics(metricsProxy),
		kctx.WithExecutionFields(executionID, isBoundary, executionType, parentExecutionID),
	)
	runCtx := kctx.Into(spanCtx, forked)

	// Step 8: pre-check abort.
	if forked.Signal.Aborted() {
		abortErr := &kerrors.AbortError{Reason: "aborted before start"}
		t.finish(runCtx, pid, g, node, opts.Name, abortErr, span)
		return nil, abortErr
	}

	kctx.Emit(runCtx, "procedure:start", map[string]any{"pid": pid, "name": opts.Name}, opts.Name)

	value, callErr := fn(runCtx, node)

	var result any
	if callErr == nil {
		if it, ok := value.(Iterator); ok {
			result, callErr = t.drainIterator(runCtx, it, opts.Name, forked.Signal)
		} else {
			result = value
		}
	}

	t.finish(runCtx, pid, g, node, opts.Name, callErr, span)
	if callErr != nil {
		return nil, callErr
	}
	return result, nil
}

// drainIterator pulls it to exhaustion, emitting "stream:chunk" per
// value and re-checking the signal after every Next. It always attempts
// a best-effort Close.
func (t *Tracker) drainIterator(ctx context.Context, it Iterator, name string, signal kctx.Signal) (any, error) {
	defer func() { _ = it.Close() }()

	var last any
	for {
		if signal.Aborted() {
			return nil, &kerrors.AbortError{Reason: "aborted during stream"}
		}
		value, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return last, nil
		}
		last = value
		kctx.Emit(ctx, "stream:chunk", value, name)
		if signal.Aborted() {
			return nil, &kerrors.AbortError{Reason: "aborted after chunk"}
		}
	}
}

// finish classifies runErr (if any), transitions the node, emits the
// terminal lifecycle event, records telemetry, and ends the span.
func (t *Tracker) finish(ctx context.Context, pid string, g *graph.Graph, node *graph.Node, name string, runErr error, span trace.Span) {
	status := graph.StatusCompleted
	eventType := "procedure:end"

	if runErr != nil {
		if kerrors.Classify(runErr) == kerrors.KindCancelled {
			status = graph.StatusCancelled
		} else {
			status = graph.StatusFailed
		}
		eventType = "procedure:error"
	}

	g.UpdateStatus(pid, status, runErr)

	var payload any = map[string]any{"pid": pid, "name": name}
	if runErr != nil {
		payload = map[string]any{"pid": pid, "name": name, "error": runErr.Error()}
	}
	kctx.Emit(ctx, eventType, payload, name)

	if t.Tracer != nil {
		t.Tracer.RecordError(span, runErr)
	}
	span.End()

	if t.Metrics != nil {
		duration := time.Since(node.StartedAt).Seconds()
		t.Metrics.ProcedureDuration.WithLabelValues(name, string(status)).Observe(duration)
		t.Metrics.ProcedureCounter.WithLabelValues(name, string(status)).Inc()
		for key, value := range node.Metrics {
			t.Metrics.ProcedureMetric.WithLabelValues(name, key).Set(value)
		}
	}
}

// startSpan opens a tracing span if a Tracer is configured, otherwise
// returns ctx unchanged and a no-op span.
func (t *Tracker) startSpan(ctx context.Context, name, pid, executionID, executionType string) (context.Context, trace.Span) {
	if t.Tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.Tracer.StartNode(ctx, name, pid, executionID, executionType)
}

func resolveBoundary(opts Options, kc *kctx.KernelContext) (executionID string, isBoundary bool, parentExecutionID string) {
	boundary := opts.Boundary
	if boundary == "" {
		boundary = BoundaryAuto
	}

	switch boundary {
	case BoundaryAlways:
		executionID = opts.ExecutionID
		if executionID == "" {
			executionID = uuid.NewString()
		}
		return executionID, true, kc.ExecutionID

	case BoundaryChild:
		executionID = opts.ExecutionID
		if executionID == "" {
			executionID = uuid.NewString()
		}
		return executionID, true, kc.ExecutionID

	case BoundaryNone:
		return kc.ExecutionID, false, kc.ParentExecutionID

	default: // auto
		if kc.ExecutionID != "" {
			return kc.ExecutionID, false, kc.ParentExecutionID
		}
		executionID = opts.ExecutionID
		if executionID == "" {
			executionID = uuid.NewString()
		}
		return executionID, true, ""
	}
}
