// Package procedure implements the Procedure primitive (C4): a callable
// entity built from a handler plus middleware, schema validation, and an
// optional timeout, tracked through an ExecutionTracker.
package procedure

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentrt/kernel/internal/kerrors"
	"github.com/agentrt/kernel/internal/kernel/graph"
	"github.com/agentrt/kernel/internal/kernel/kctx"
	"github.com/agentrt/kernel/internal/kernel/tracker"
)

// SourceType distinguishes a direct procedure call from a hook
// invocation; purely informational, attached to the middleware envelope.
type SourceType string

const (
	SourceProcedure SourceType = "procedure"
	SourceHook      SourceType = "hook"
)

// Envelope carries invocation metadata visible to every middleware.
type Envelope struct {
	Name       string
	SourceType SourceType
	Metadata   map[string]any
}

// Handler is a Procedure's terminal unit of work.
type Handler func(ctx context.Context, args []any) (any, error)

// Next advances to the next middleware, or the handler if none remain.
// A middleware that wants to transform the arguments passes the new
// slice to Next; passing nil reuses the current args unchanged.
type Next func(args []any) (any, error)

// Middleware wraps a call: it may short-circuit by not invoking next,
// transform input by calling next with different args, transform output
// by post-processing next's result, or inject error handling around next.
type Middleware func(ctx context.Context, args []any, envelope *Envelope, next Next) (any, error)

// HandleFactory constructs a fresh execution Handle for a root
// invocation that doesn't already have one.
type HandleFactory func() *Handle

// Procedure is an immutable, composable callable entity. Every
// composition method (Use, WithContext, WithTimeout, Pipe, WithHandle)
// returns a new Procedure; the receiver is never mutated.
type Procedure struct {
	name          string
	metadata      map[string]any
	middleware    []Middleware
	schema        *jsonschema.Schema
	timeout       time.Duration
	handleFactory HandleFactory
	sourceType    SourceType
	handler       Handler
	tracker       *tracker.Tracker

	contextOverrides []kctx.Option
}

// New builds a Procedure named name around handler, tracked by tr.
func New(name string, handler Handler, tr *tracker.Tracker) *Procedure {
	return &Procedure{name: name, handler: handler, tracker: tr, sourceType: SourceProcedure}
}

// WithMetadata attaches metadata applied to the tracking span.
func (p *Procedure) WithMetadata(metadata map[string]any) *Procedure {
	next := p.clone()
	next.metadata = metadata
	return next
}

// WithSchema compiles schemaJSON (a JSON Schema document) and attaches it
// as the first-argument validator; validation failures surface as
// *kerrors.ValidationError.
func (p *Procedure) WithSchema(schemaJSON []byte) (*Procedure, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(p.name+".schema.json", bytes.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(p.name + ".schema.json")
	if err != nil {
		return nil, err
	}
	next := p.clone()
	next.schema = schema
	return next, nil
}

// WithSourceType overrides the middleware envelope's SourceType.
func (p *Procedure) WithSourceType(t SourceType) *Procedure {
	next := p.clone()
	next.sourceType = t
	return next
}

// Use returns a new Procedure with mw appended to the middleware chain.
func (p *Procedure) Use(mw ...Middleware) *Procedure {
	next := p.clone()
	next.middleware = append(append([]Middleware{}, p.middleware...), mw...)
	return next
}

// WithContext returns a new Procedure whose invocation merges overrides
// into the ambient context before executing. It does not re-apply
// existing middleware; they still run inside the original execute path.
func (p *Procedure) WithContext(overrides ...kctx.Option) *Procedure {
	next := p.clone()
	next.contextOverrides = append(append([]kctx.Option{}, p.contextOverrides...), overrides...)
	return next
}

// WithTimeout returns a new Procedure whose invocation races against d.
func (p *Procedure) WithTimeout(d time.Duration) *Procedure {
	next := p.clone()
	next.timeout = d
	return next
}

// WithHandle returns a new Procedure that mints handle via factory for
// any root invocation (one with no inherited execution handle).
func (p *Procedure) WithHandle(factory HandleFactory) *Procedure {
	next := p.clone()
	next.handleFactory = factory
	return next
}

// Pipe returns a new Procedure that, when invoked, awaits this one then
// passes its result as the sole argument to next.
func (p *Procedure) Pipe(next *Procedure) *Procedure {
	piped := New(p.name+"|"+next.name, func(ctx context.Context, args []any) (any, error) {
		result, err := p.Invoke(ctx, args...)
		if err != nil {
			return nil, err
		}
		return next.Invoke(ctx, result)
	}, p.tracker)
	piped.sourceType = p.sourceType
	return piped
}

func (p *Procedure) clone() *Procedure {
	next := *p
	return &next
}

// Name returns the procedure's name.
func (p *Procedure) Name() string { return p.name }

// Invoke runs the procedure against args, per the invocation algorithm:
// peel a trailing context override, validate the first argument against
// the schema (if any), resolve the effective context, attach an
// execution handle if configured, and track the middleware-wrapped
// handler call, racing it against the timeout if one is set.
func (p *Procedure) Invoke(ctx context.Context, args ...any) (any, error) {
	args, override := peelContextOverride(args)

	if p.schema != nil {
		validated, err := p.validate(args)
		if err != nil {
			return nil, err
		}
		args = validated
	}

	effective := p.resolveEffectiveContext(ctx, override)

	var handle *Handle
	if p.handleFactory != nil && effective.ExecutionHandle == nil {
		handle = p.handleFactory()
		effective = kctx.Child(effective, kctx.WithExecutionHandle(handle.events))
	}

	if p.timeout <= 0 {
		return p.runTracked(ctx, effective, args)
	}
	return p.runWithTimeout(ctx, effective, args)
}

func (p *Procedure) runWithTimeout(ctx context.Context, effective *kctx.KernelContext, args []any) (any, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := p.runTracked(timeoutCtx, effective, args)
		done <- outcome{value, err}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-timeoutCtx.Done():
		return nil, &kerrors.TimeoutError{Operation: p.name, Cause: timeoutCtx.Err()}
	}
}

func (p *Procedure) runTracked(ctx context.Context, effective *kctx.KernelContext, args []any) (any, error) {
	var result any
	runErr := kctx.Run(ctx, effective, func(runCtx context.Context) error {
		envelope := &Envelope{Name: p.name, SourceType: p.sourceType, Metadata: p.metadata}
		value, err := p.tracker.Track(runCtx, tracker.Options{
			Name:      p.name,
			ParentPID: effective.ProcedurePID,
			Metadata:  p.metadata,
		}, func(trackCtx context.Context, node *graph.Node) (any, error) {
			return p.buildChain(trackCtx, envelope)(args)
		})
		result = value
		return err
	})
	return result, runErr
}

// buildChain composes the middleware into a single Next, with
// middleware[0] outermost (its post-processing, after next() returns,
// runs last — the LIFO post-processing order the spec describes).
func (p *Procedure) buildChain(ctx context.Context, envelope *Envelope) Next {
	var current []any
	chain := Next(func(args []any) (any, error) {
		if args == nil {
			args = current
		}
		return p.handler(ctx, args)
	})

	for i := len(p.middleware) - 1; i >= 0; i-- {
		mw := p.middleware[i]
		innerNext := chain
		chain = func(args []any) (any, error) {
			if args == nil {
				args = current
			} else {
				current = args
			}
			if kc, ok := kctx.TryFromContext(ctx); ok && kc.Signal.Aborted() {
				return nil, &kerrors.AbortError{Reason: "aborted at middleware boundary"}
			}
			return mw(ctx, args, envelope, innerNext)
		}
	}
	return chain
}

func (p *Procedure) resolveEffectiveContext(ctx context.Context, override *kctx.KernelContext) *kctx.KernelContext {
	ambient, hasAmbient := kctx.TryFromContext(ctx)

	switch {
	case override != nil && hasAmbient:
		return kctx.Child(ambient, overridesFrom(override)...)
	case override != nil:
		return override
	case hasAmbient && len(p.contextOverrides) > 0:
		return kctx.Child(ambient, p.contextOverrides...)
	case hasAmbient:
		return ambient
	default:
		return kctx.New(p.contextOverrides...)
	}
}

// overridesFrom flattens a branded override KernelContext's user-facing
// fields into Options applied on top of the ambient one, so a caller
// passing a context.Background()-rooted override still composes with an
// already-running ambient context rather than replacing it outright.
func overridesFrom(override *kctx.KernelContext) []kctx.Option {
	opts := []kctx.Option{}
	if override.User != nil {
		opts = append(opts, kctx.WithUser(override.User))
	}
	for k, v := range override.Metadata {
		opts = append(opts, kctx.WithMetadataValue(k, v))
	}
	return opts
}

// peelContextOverride removes a trailing *kctx.KernelContext from args,
// if present — the "branded context" escape hatch callers use to supply
// an explicit context override on a direct call.
func peelContextOverride(args []any) ([]any, *kctx.KernelContext) {
	if len(args) == 0 {
		return args, nil
	}
	if kc, ok := args[len(args)-1].(*kctx.KernelContext); ok {
		return args[:len(args)-1], kc
	}
	return args, nil
}

// validate runs args[0] (if present) through the compiled schema,
// replacing it with the round-tripped, schema-validated value.
func (p *Procedure) validate(args []any) ([]any, error) {
	if len(args) == 0 {
		return args, nil
	}
	payload, err := json.Marshal(args[0])
	if err != nil {
		return nil, &kerrors.ValidationError{Subject: p.name + ".input", Cause: err}
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, &kerrors.ValidationError{Subject: p.name + ".input", Cause: err}
	}
	if err := p.schema.Validate(decoded); err != nil {
		return nil, &kerrors.ValidationError{Subject: p.name + ".input", Cause: err}
	}
	validated := append([]any{}, args...)
	validated[0] = decoded
	return validated, nil
}

// Handle is the facade external observers (an HTTP layer, a UI) use to
// track a procedure invocation started via WithHandle: a stable trace
// id, an event bus carrying procedure:start/stream:chunk/procedure:end/
// procedure:error and application events, and optional cancel/status.
type Handle struct {
	TraceID string
	events  *kctx.Bus

	mu     sync.Mutex
	status string
	cancel context.CancelFunc
}

// NewHandle constructs a Handle with a fresh trace id and event bus.
func NewHandle() *Handle {
	return &Handle{TraceID: uuid.NewString(), events: kctx.NewBus(nil), status: "running"}
}

// Events returns the handle's event bus.
func (h *Handle) Events() *kctx.Bus { return h.events }

// Cancel invokes the handle's cancel function, if one was attached.
func (h *Handle) Cancel() {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// GetStatus returns the handle's last-set status string.
func (h *Handle) GetStatus() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Handle) setStatus(status string) {
	h.mu.Lock()
	h.status = status
	h.mu.Unlock()
}

func (h *Handle) attachCancel(cancel context.CancelFunc) {
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()
}

// Result is what a handle-tracked invocation eventually produces.
type Result struct {
	Value any
	Err   error
}

// InvokeWithHandle runs the procedure exactly like Invoke, but returns
// immediately with a Handle and a channel that receives the eventual
// Result, for callers that want to observe progress via handle.Events()
// or cancel the run via handle.Cancel() before it finishes. The handle's
// bus receives the run's events unless ctx already carries an
// ExecutionHandle, in which case the inherited bus receives them.
func (p *Procedure) InvokeWithHandle(ctx context.Context, args ...any) (*Handle, <-chan Result) {
	handle := NewHandle()
	runCtx, cancel := context.WithCancel(ctx)
	handle.attachCancel(cancel)

	proc := p.clone()
	proc.handleFactory = func() *Handle { return handle }

	results := make(chan Result, 1)
	go func() {
		defer cancel()
		value, err := proc.Invoke(runCtx, args...)
		if err != nil {
			handle.setStatus("error")
		} else {
			handle.setStatus("done")
		}
		results <- Result{Value: value, Err: err}
	}()
	return handle, results
}
