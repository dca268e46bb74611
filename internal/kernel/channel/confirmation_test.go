package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentrt/kernel/internal/kerrors"
)

func TestConfirmationPolicyDenylistBeatsAllowlist(t *testing.T) {
	p := &ConfirmationPolicy{Allowlist: []string{"*"}, Denylist: []string{"rm_*"}}
	decision, _ := p.Evaluate("rm_file")
	require.Equal(t, ConfirmationDenied, decision)
}

func TestConfirmationPolicyAllowlistWildcard(t *testing.T) {
	p := &ConfirmationPolicy{Allowlist: []string{"mcp:*"}}
	decision, _ := p.Evaluate("mcp:search")
	require.Equal(t, ConfirmationAllowed, decision)
}

func TestConfirmationPolicyDefaultsToPending(t *testing.T) {
	p := DefaultConfirmationPolicy()
	decision, _ := p.Evaluate("anything")
	require.Equal(t, ConfirmationPending, decision)
}

func TestConfirmationCoordinatorResolve(t *testing.T) {
	c := NewConfirmationCoordinator()
	go func() {
		time.Sleep(10 * time.Millisecond)
		result, found := c.Resolve("t1", true, false)
		require.True(t, found)
		require.True(t, result.Confirmed)
	}()
	result, err := c.WaitForConfirmation(context.Background(), "t1", "rm_file")
	require.NoError(t, err)
	require.True(t, result.Confirmed)
	require.Equal(t, "rm_file", result.ToolName)
}

func TestConfirmationCoordinatorResolveAlwaysPersistsToPolicy(t *testing.T) {
	c := NewConfirmationCoordinator()
	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Resolve("t1", true, true)
	}()
	result, err := c.WaitForConfirmation(context.Background(), "t1", "rm_file")
	require.NoError(t, err)
	require.True(t, result.Confirmed)
	require.True(t, result.Always)

	decision, _ := c.Policy.Evaluate("rm_file")
	require.Equal(t, ConfirmationAllowed, decision)
}

func TestConfirmationCoordinatorResolveReportsNoPendingEntry(t *testing.T) {
	c := NewConfirmationCoordinator()
	_, found := c.Resolve("missing", true, false)
	require.False(t, found)
}

func TestConfirmationCoordinatorNoTimeoutBlocksUntilContextDone(t *testing.T) {
	c := NewConfirmationCoordinator()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Millisecond)
	defer cancel()
	_, err := c.WaitForConfirmation(ctx, "never", "some_tool")
	require.Error(t, err)
}

func TestConfirmationCoordinatorCancelAllRejectsPending(t *testing.T) {
	c := NewConfirmationCoordinator()
	errs := make(chan error, 1)
	go func() {
		_, err := c.WaitForConfirmation(context.Background(), "t1", "some_tool")
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)
	c.CancelAll()
	require.Error(t, <-errs)
}

func TestClientToolCoordinatorResolve(t *testing.T) {
	c := NewClientToolCoordinator(0)
	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Resolve(ClientToolResult{ToolUseID: "t1", Output: "done"})
	}()
	result, err := c.WaitForResult(context.Background(), "t1", time.Second)
	require.NoError(t, err)
	require.Equal(t, "done", result.Output)
}

func TestClientToolCoordinatorDefaultTimeout(t *testing.T) {
	c := NewClientToolCoordinator(20 * time.Millisecond)
	_, err := c.WaitForResult(context.Background(), "never", 0)
	require.ErrorIs(t, err, kerrors.ErrClientToolTimeout)
}

func TestClientToolCoordinatorCancelAll(t *testing.T) {
	c := NewClientToolCoordinator(time.Second)
	errs := make(chan error, 1)
	go func() {
		_, err := c.WaitForResult(context.Background(), "t1", time.Second)
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)
	c.CancelAll()
	require.ErrorIs(t, <-errs, kerrors.ErrClientToolCancelled)
}
