package channel

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/agentrt/kernel/internal/kerrors"
)

// ConfirmationDecision is the outcome of a tool-confirmation round trip.
type ConfirmationDecision string

const (
	ConfirmationAllowed ConfirmationDecision = "allowed"
	ConfirmationDenied  ConfirmationDecision = "denied"
	ConfirmationPending ConfirmationDecision = "pending"
)

// ConfirmationPolicy decides, ahead of ever reaching a human, whether a
// tool call is always allowed, always denied, or needs confirmation.
// Pattern syntax matches the tool-name matching used elsewhere in this
// codebase: exact match, a bare "*" matches everything, "prefix*" and
// "*suffix" match by prefix/suffix, "mcp:*" matches any MCP-namespaced
// tool.
type ConfirmationPolicy struct {
	mu              sync.Mutex
	Allowlist       []string
	Denylist        []string
	RequireConfirm  []string
	DefaultDecision ConfirmationDecision
}

// DefaultConfirmationPolicy requires confirmation for anything not
// explicitly listed, matching the conservative default used upstream.
func DefaultConfirmationPolicy() *ConfirmationPolicy {
	return &ConfirmationPolicy{DefaultDecision: ConfirmationPending}
}

// Evaluate returns the policy's decision for toolName and a short reason,
// checking the denylist, then the allowlist, then the require-confirm
// list, and finally falling back to DefaultDecision.
func (p *ConfirmationPolicy) Evaluate(toolName string) (ConfirmationDecision, string) {
	if p == nil {
		p = DefaultConfirmationPolicy()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if matchesToolPattern(p.Denylist, toolName) {
		return ConfirmationDenied, "tool in denylist"
	}
	if matchesToolPattern(p.Allowlist, toolName) {
		return ConfirmationAllowed, "tool in allowlist"
	}
	if matchesToolPattern(p.RequireConfirm, toolName) {
		return ConfirmationPending, "tool requires confirmation"
	}
	if p.DefaultDecision == "" {
		return ConfirmationPending, "default policy"
	}
	return p.DefaultDecision, "default policy"
}

// ApplyAlways folds an "always allow"/"always deny" confirmation decision
// into the policy so a future Evaluate for the same tool skips the human
// round trip entirely. A result with Always false is a no-op.
func (p *ConfirmationPolicy) ApplyAlways(result ConfirmationResult) {
	if p == nil || !result.Always || result.ToolName == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if result.Confirmed {
		p.Allowlist = append(p.Allowlist, result.ToolName)
	} else {
		p.Denylist = append(p.Denylist, result.ToolName)
	}
}

func matchesToolPattern(patterns []string, toolName string) bool {
	name := strings.ToLower(strings.TrimSpace(toolName))
	for _, raw := range patterns {
		pattern := strings.ToLower(strings.TrimSpace(raw))
		if pattern == "" {
			continue
		}
		switch {
		case pattern == "*":
			return true
		case pattern == name:
			return true
		case pattern == "mcp:*" && strings.HasPrefix(name, "mcp:"):
			return true
		case len(pattern) > 1 && strings.HasSuffix(pattern, "*"):
			if strings.HasPrefix(name, pattern[:len(pattern)-1]) {
				return true
			}
		case len(pattern) > 1 && strings.HasPrefix(pattern, "*"):
			if strings.HasSuffix(name, pattern[1:]) {
				return true
			}
		}
	}
	return false
}

// ConfirmationResult is the resolved outcome of a confirmation round trip:
// whether the tool call was confirmed, and whether the human's choice
// should persist for future calls to the same tool (Always).
type ConfirmationResult struct {
	ToolUseID string
	ToolName  string
	Confirmed bool
	Always    bool
}

type pendingConfirmation struct {
	toolName string
	ch       chan ConfirmationResult
}

// ConfirmationCoordinator brokers the request/response round trip between
// a tool execution that needs human sign-off and whichever transport is
// showing that prompt. It has no default timeout: a caller either
// receives a result, cancels the wait itself, or the coordinator is torn
// down via CancelAll.
type ConfirmationCoordinator struct {
	mu      sync.Mutex
	pending map[string]pendingConfirmation
	Policy  *ConfirmationPolicy
}

// NewConfirmationCoordinator builds a coordinator with DefaultConfirmationPolicy.
func NewConfirmationCoordinator() *ConfirmationCoordinator {
	return &ConfirmationCoordinator{
		pending: map[string]pendingConfirmation{},
		Policy:  DefaultConfirmationPolicy(),
	}
}

// WaitForConfirmation blocks until Resolve(toolUseID, ...) is called, ctx
// is cancelled, or the coordinator is cancelled. It does not itself apply
// a timeout; callers that want one should use a context with a deadline.
func (c *ConfirmationCoordinator) WaitForConfirmation(ctx context.Context, toolUseID, toolName string) (ConfirmationResult, error) {
	c.mu.Lock()
	entry, ok := c.pending[toolUseID]
	if !ok {
		entry = pendingConfirmation{toolName: toolName, ch: make(chan ConfirmationResult, 1)}
		c.pending[toolUseID] = entry
	}
	c.mu.Unlock()

	select {
	case result, ok := <-entry.ch:
		if !ok {
			return ConfirmationResult{}, &kerrors.AbortError{Reason: "confirmation cancelled"}
		}
		return result, nil
	case <-ctx.Done():
		c.remove(toolUseID)
		return ConfirmationResult{}, &kerrors.AbortError{Reason: "context cancelled", Cause: ctx.Err()}
	}
}

// Resolve delivers a decision for toolUseID to whichever goroutine is
// waiting on it, if any, and reports whether a pending entry was found.
// When confirmed is false and always is true, Resolve still folds the
// denial into c.Policy (via ApplyAlways) before returning. If c.Policy is
// set, an always-decision is applied there too.
func (c *ConfirmationCoordinator) Resolve(toolUseID string, confirmed, always bool) (ConfirmationResult, bool) {
	c.mu.Lock()
	entry, ok := c.pending[toolUseID]
	if ok {
		delete(c.pending, toolUseID)
	}
	c.mu.Unlock()
	if !ok {
		return ConfirmationResult{}, false
	}

	result := ConfirmationResult{ToolUseID: toolUseID, ToolName: entry.toolName, Confirmed: confirmed, Always: always}
	if c.Policy != nil {
		c.Policy.ApplyAlways(result)
	}
	entry.ch <- result
	return result, true
}

// Cancel rejects the wait registered for toolUseID, if any, and reports
// whether a pending entry was found.
func (c *ConfirmationCoordinator) Cancel(toolUseID string) bool {
	c.mu.Lock()
	entry, ok := c.pending[toolUseID]
	if ok {
		delete(c.pending, toolUseID)
	}
	c.mu.Unlock()
	if ok {
		close(entry.ch)
	}
	return ok
}

// CancelAll rejects every pending wait. Used when a Session is destroyed.
func (c *ConfirmationCoordinator) CancelAll() {
	c.mu.Lock()
	pending := c.pending
	c.pending = map[string]pendingConfirmation{}
	c.mu.Unlock()
	for _, entry := range pending {
		close(entry.ch)
	}
}

func (c *ConfirmationCoordinator) remove(toolUseID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, toolUseID)
}

// ClientToolResult is the payload a remote/client-side tool execution
// reports back with.
type ClientToolResult struct {
	ToolUseID string
	Output    any
	Err       error
}

// ClientToolCoordinator brokers the request/response round trip for
// tools whose actual execution happens on a remote client (a browser, an
// IDE extension) rather than inside this process. Unlike
// ConfirmationCoordinator it has a default timeout, since a client that
// never responds must not hang the procedure forever.
type ClientToolCoordinator struct {
	mu             sync.Mutex
	pending        map[string]chan ClientToolResult
	defaultTimeout time.Duration
}

// DefaultClientToolTimeout is used when NewClientToolCoordinator is given
// a zero timeout.
const DefaultClientToolTimeout = 30 * time.Second

// NewClientToolCoordinator builds a coordinator with the given default
// wait timeout (DefaultClientToolTimeout if timeout <= 0).
func NewClientToolCoordinator(timeout time.Duration) *ClientToolCoordinator {
	if timeout <= 0 {
		timeout = DefaultClientToolTimeout
	}
	return &ClientToolCoordinator{
		pending:        map[string]chan ClientToolResult{},
		defaultTimeout: timeout,
	}
}

// WaitForResult blocks until Resolve(toolUseID, ...) is called, the
// timeout elapses (falling back to the coordinator's default if timeout
// <= 0), ctx is cancelled, or the coordinator is cancelled.
func (c *ClientToolCoordinator) WaitForResult(ctx context.Context, toolUseID string, timeout time.Duration) (ClientToolResult, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	c.mu.Lock()
	ch, ok := c.pending[toolUseID]
	if !ok {
		ch = make(chan ClientToolResult, 1)
		c.pending[toolUseID] = ch
	}
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result, ok := <-ch:
		if !ok {
			return ClientToolResult{}, kerrors.ErrClientToolCancelled
		}
		return result, nil
	case <-timer.C:
		c.remove(toolUseID)
		return ClientToolResult{}, kerrors.ErrClientToolTimeout
	case <-ctx.Done():
		c.remove(toolUseID)
		return ClientToolResult{}, &kerrors.AbortError{Reason: "context cancelled", Cause: ctx.Err()}
	}
}

// Resolve delivers result to whichever goroutine is waiting on
// result.ToolUseID, if any.
func (c *ClientToolCoordinator) Resolve(result ClientToolResult) {
	c.mu.Lock()
	ch, ok := c.pending[result.ToolUseID]
	if ok {
		delete(c.pending, result.ToolUseID)
	}
	c.mu.Unlock()
	if ok {
		ch <- result
	}
}

// Cancel rejects the wait registered for toolUseID, if any, with
// ErrClientToolCancelled.
func (c *ClientToolCoordinator) Cancel(toolUseID string) {
	c.mu.Lock()
	ch, ok := c.pending[toolUseID]
	if ok {
		delete(c.pending, toolUseID)
	}
	c.mu.Unlock()
	if ok {
		close(ch)
	}
}

// CancelAll rejects every pending wait. Used when a Session is destroyed.
func (c *ClientToolCoordinator) CancelAll() {
	c.mu.Lock()
	pending := c.pending
	c.pending = map[string]chan ClientToolResult{}
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

func (c *ClientToolCoordinator) remove(toolUseID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, toolUseID)
}
