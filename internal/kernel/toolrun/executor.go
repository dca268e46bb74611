package toolrun

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/agentrt/kernel/internal/kerrors"
	"github.com/agentrt/kernel/internal/kernel/channel"
	"github.com/agentrt/kernel/internal/retry"
	policy "github.com/agentrt/kernel/internal/toolpolicy"
)

// Executor is the tool-execution coordinator: it resolves a Call against
// the Registry, runs the confirm-then-execute lifecycle against a
// ConfirmationCoordinator, and dispatches CLIENT tools through a
// ClientToolCoordinator. One Executor owns one pair of coordinators, per
// spec's "coordinators are scoped to one ToolExecutor instance".
type Executor struct {
	Registry      *Registry
	Confirmations *channel.ConfirmationCoordinator
	ClientTools   *channel.ClientToolCoordinator

	// Retry configures the backoff applied to a SERVER/MCP handler
	// invocation that fails with a retryable error (kerrors.Classify's
	// network/timeout/rate-limit kinds). Zero value disables retries
	// (a single attempt).
	Retry retry.Policy

	// Resolver and Policy gate a call before it ever reaches
	// confirmation: a tool denied by policy is rejected outright, the
	// same way a human denial short-circuits execution. Either left nil
	// skips this check entirely.
	Resolver *policy.Resolver
	Policy   *policy.Policy
}

// New builds an Executor around registry, minting its own coordinators if
// none are supplied. Retries default to a single attempt; call
// WithRetry to enable backoff.
func New(registry *Registry, confirmations *channel.ConfirmationCoordinator, clientTools *channel.ClientToolCoordinator) *Executor {
	if confirmations == nil {
		confirmations = channel.NewConfirmationCoordinator()
	}
	if clientTools == nil {
		clientTools = channel.NewClientToolCoordinator(0)
	}
	return &Executor{Registry: registry, Confirmations: confirmations, ClientTools: clientTools, Retry: retry.Policy{MaxAttempts: 1}}
}

// WithRetry sets the backoff policy applied to handler-tool invocations.
func (e *Executor) WithRetry(policy retry.Policy) *Executor {
	e.Retry = policy
	return e
}

// CheckConfirmationRequired reports whether call needs human confirmation
// before executing, and the message to show if so.
func (e *Executor) CheckConfirmationRequired(call Call) (ConfirmationCheck, error) {
	tool, err := e.Registry.Get(call.Name)
	if err != nil {
		return ConfirmationCheck{}, err
	}
	if !tool.needsConfirmation(call.Input) {
		return ConfirmationCheck{Required: false}, nil
	}
	return ConfirmationCheck{Required: true, Message: tool.confirmationMessage(call.Input)}, nil
}

// WaitForConfirmation blocks on the confirmation coordinator for call.
func (e *Executor) WaitForConfirmation(ctx context.Context, call Call) (channel.ConfirmationResult, error) {
	return e.Confirmations.WaitForConfirmation(ctx, call.ToolUseID, call.Name)
}

// CreateDenialResult builds the structured failure result produced when a
// confirmation is denied; the handler is never invoked on this path.
func (e *Executor) CreateDenialResult(call Call) Result {
	return Result{ToolUseID: call.ToolUseID, Success: false, Error: "User denied tool execution"}
}

// ExecuteSingleTool dispatches call by its tool's tagged-union Type.
// PROVIDER tools are rejected: they belong to the model adapter, not this
// executor. Errors from handlers/coordinators are never returned raw —
// they are folded into a failed Result, matching the "tool-executor
// errors are never thrown" propagation policy.
func (e *Executor) ExecuteSingleTool(ctx context.Context, call Call) Result {
	tool, err := e.Registry.Get(call.Name)
	if err != nil {
		return errResult(call, err)
	}

	switch tool.Type {
	case TypeProvider:
		return errResult(call, kerrors.ErrInvalidExecutionType)
	case TypeClient:
		return e.executeClientTool(ctx, tool, call)
	case TypeServer, TypeMCP:
		return e.executeHandlerTool(ctx, tool, call)
	default:
		return errResult(call, kerrors.ErrInvalidExecutionType)
	}
}

func (e *Executor) executeClientTool(ctx context.Context, tool *Tool, call Call) Result {
	if !tool.RequiresResponse {
		if tool.DefaultResult.ToolUseID == "" {
			tool.DefaultResult.ToolUseID = call.ToolUseID
		}
		return tool.DefaultResult
	}

	clientResult, err := e.ClientTools.WaitForResult(ctx, call.ToolUseID, tool.Timeout)
	if err != nil {
		return errResult(call, err)
	}
	if clientResult.Err != nil {
		return errResult(call, clientResult.Err)
	}
	content := fmt.Sprintf("%v", clientResult.Output)
	return Result{ToolUseID: call.ToolUseID, Success: true, Content: content}
}

func (e *Executor) executeHandlerTool(ctx context.Context, tool *Tool, call Call) Result {
	if tool.Handler == nil {
		return errResult(call, kerrors.ErrToolNoHandler)
	}

	var last Result
	_ = retry.Run(ctx, e.Retry, func() error {
		last = e.invokeHandlerOnce(ctx, tool, call)
		if last.Success {
			return nil
		}
		err := fmt.Errorf("%s", last.Error)
		if !kerrors.Kind(last.ErrorType).IsRetryable() {
			return retry.Terminal(err)
		}
		return err
	})
	return last
}

func (e *Executor) invokeHandlerOnce(ctx context.Context, tool *Tool, call Call) Result {
	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool %s panicked: %v\n%s", call.Name, r, debug.Stack())}
			}
		}()
		res, err := tool.Handler(execCtx, call)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return errResult(call, o.err)
		}
		if o.result.ToolUseID == "" {
			o.result.ToolUseID = call.ToolUseID
		}
		return o.result
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return errResult(call, &kerrors.AbortError{Reason: "context cancelled", Cause: ctx.Err()})
		}
		return errResult(call, &kerrors.TimeoutError{Operation: "tool:" + call.Name, Cause: execCtx.Err()})
	}
}

func errResult(call Call, err error) Result {
	return Result{
		ToolUseID: call.ToolUseID,
		Success:   false,
		Error:     err.Error(),
		ErrorType: string(kerrors.Classify(err)),
	}
}

// ProcessToolWithConfirmation orchestrates the full confirm-then-execute
// lifecycle: check whether call needs confirmation, wait for a decision if
// so, then dispatch or deny.
func (e *Executor) ProcessToolWithConfirmation(ctx context.Context, call Call, callbacks Callbacks) (ConfirmationCheck, Result) {
	if e.Resolver != nil && e.Policy != nil {
		if decision := e.Resolver.Decide(e.Policy, call.Name); !decision.Allowed {
			if callbacks.OnDenied != nil {
				callbacks.OnDenied(call)
			}
			return ConfirmationCheck{}, Result{
				ToolUseID: call.ToolUseID,
				Success:   false,
				Error:     "tool denied by policy: " + decision.Reason,
				ErrorType: string(kerrors.KindAuth),
			}
		}
	}

	check, err := e.CheckConfirmationRequired(call)
	if err != nil {
		return ConfirmationCheck{}, errResult(call, err)
	}

	if !check.Required {
		if callbacks.OnStarted != nil {
			callbacks.OnStarted(call)
		}
		result := e.ExecuteSingleTool(ctx, call)
		if callbacks.OnCompleted != nil {
			callbacks.OnCompleted(call, result)
		}
		return check, result
	}

	if callbacks.OnConfirmationRequested != nil {
		callbacks.OnConfirmationRequested(call, check.Message)
	}

	confirmation, err := e.WaitForConfirmation(ctx, call)
	if err != nil || !confirmation.Confirmed {
		if callbacks.OnDenied != nil {
			callbacks.OnDenied(call)
		}
		return check, e.CreateDenialResult(call)
	}

	if callbacks.OnStarted != nil {
		callbacks.OnStarted(call)
	}
	result := e.ExecuteSingleTool(ctx, call)
	if callbacks.OnCompleted != nil {
		callbacks.OnCompleted(call, result)
	}
	return check, result
}

// ExecuteConcurrently runs ProcessToolWithConfirmation for every call in
// parallel, returning results in the same order as calls.
func (e *Executor) ExecuteConcurrently(ctx context.Context, calls []Call, callbacks Callbacks) []Result {
	results := make([]Result, len(calls))
	done := make(chan struct{}, len(calls))

	for i, call := range calls {
		go func(idx int, c Call) {
			defer func() { done <- struct{}{} }()
			_, result := e.ProcessToolWithConfirmation(ctx, c, callbacks)
			results[idx] = result
		}(i, call)
	}

	for range calls {
		<-done
	}
	return results
}
