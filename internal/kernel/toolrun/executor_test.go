package toolrun

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentrt/kernel/internal/kernel/channel"
	policy "github.com/agentrt/kernel/internal/toolpolicy"
)

func newTestExecutor() *Executor {
	return New(NewRegistry(), nil, nil)
}

func TestCheckConfirmationRequiredRendersMessage(t *testing.T) {
	e := newTestExecutor()
	e.Registry.Register(&Tool{
		Name:                 "delete_file",
		Type:                 TypeServer,
		RequiresConfirmation: true,
		ConfirmationMessageFunc: func(input json.RawMessage) string {
			var decoded struct {
				Path string `json:"path"`
			}
			_ = json.Unmarshal(input, &decoded)
			return "Delete " + decoded.Path
		},
	})

	check, err := e.CheckConfirmationRequired(Call{Name: "delete_file", Input: json.RawMessage(`{"path":"/a"}`)})
	require.NoError(t, err)
	require.True(t, check.Required)
	require.Equal(t, "Delete /a", check.Message)
}

func TestProcessToolWithConfirmationNoConfirmationNeeded(t *testing.T) {
	e := newTestExecutor()
	e.Registry.Register(&Tool{
		Name: "noop",
		Type: TypeServer,
		Handler: func(ctx context.Context, call Call) (Result, error) {
			return Result{Success: true}, nil
		},
	})

	check, result := e.ProcessToolWithConfirmation(context.Background(), Call{ToolUseID: "t1", Name: "noop"}, Callbacks{})
	require.False(t, check.Required)
	require.True(t, result.Success)
}

func TestProcessToolWithConfirmationDeniedNeverInvokesHandler(t *testing.T) {
	e := newTestExecutor()
	var handlerRan bool
	e.Registry.Register(&Tool{
		Name:                 "risky",
		Type:                 TypeServer,
		RequiresConfirmation: true,
		Handler: func(ctx context.Context, call Call) (Result, error) {
			handlerRan = true
			return Result{Success: true}, nil
		},
	})

	go func() {
		time.Sleep(10 * time.Millisecond)
		e.Confirmations.Resolve("t2", false, false)
	}()

	_, result := e.ProcessToolWithConfirmation(context.Background(), Call{ToolUseID: "t2", Name: "risky"}, Callbacks{})
	require.False(t, result.Success)
	require.Equal(t, "User denied tool execution", result.Error)
	require.False(t, handlerRan)
}

func TestProcessToolWithConfirmationThreeToolsInParallel(t *testing.T) {
	e := newTestExecutor()
	e.Registry.Register(&Tool{
		Name: "tool-1",
		Type: TypeServer,
		Handler: func(ctx context.Context, call Call) (Result, error) {
			return Result{Success: true}, nil
		},
	})
	e.Registry.Register(&Tool{
		Name:                 "tool-2",
		Type:                 TypeServer,
		RequiresConfirmation: true,
		Handler: func(ctx context.Context, call Call) (Result, error) {
			return Result{Success: true}, nil
		},
	})
	e.Registry.Register(&Tool{
		Name:                 "tool-3",
		Type:                 TypeServer,
		RequiresConfirmation: true,
		Handler: func(ctx context.Context, call Call) (Result, error) {
			return Result{Success: true}, nil
		},
	})

	go func() {
		time.Sleep(20 * time.Millisecond)
		e.Confirmations.Resolve("call-2", true, false)
	}()
	go func() {
		time.Sleep(40 * time.Millisecond)
		e.Confirmations.Resolve("call-3", false, false)
	}()

	calls := []Call{
		{ToolUseID: "call-1", Name: "tool-1"},
		{ToolUseID: "call-2", Name: "tool-2"},
		{ToolUseID: "call-3", Name: "tool-3"},
	}
	results := e.ExecuteConcurrently(context.Background(), calls, Callbacks{})

	require.True(t, results[0].Success)
	require.True(t, results[1].Success)
	require.False(t, results[2].Success)
}

func TestExecuteSingleToolRejectsProviderType(t *testing.T) {
	e := newTestExecutor()
	e.Registry.Register(&Tool{Name: "model_call", Type: TypeProvider})

	result := e.ExecuteSingleTool(context.Background(), Call{ToolUseID: "p1", Name: "model_call"})
	require.False(t, result.Success)
	require.Equal(t, "invalid_input", result.ErrorType)
}

func TestExecuteSingleToolClientToolWithoutResponseReturnsDefault(t *testing.T) {
	e := newTestExecutor()
	e.Registry.Register(&Tool{
		Name:             "notify",
		Type:             TypeClient,
		RequiresResponse: false,
		DefaultResult:    Result{Success: true, Content: "queued"},
	})

	result := e.ExecuteSingleTool(context.Background(), Call{ToolUseID: "c1", Name: "notify"})
	require.True(t, result.Success)
	require.Equal(t, "queued", result.Content)
	require.Equal(t, "c1", result.ToolUseID)
}

func TestExecuteSingleToolClientToolWaitsForResult(t *testing.T) {
	e := newTestExecutor()
	e.Registry.Register(&Tool{
		Name:             "pick_file",
		Type:             TypeClient,
		RequiresResponse: true,
		Timeout:          time.Second,
	})

	go func() {
		time.Sleep(10 * time.Millisecond)
		e.ClientTools.Resolve(channel.ClientToolResult{ToolUseID: "c2", Output: "file.txt"})
	}()

	result := e.ExecuteSingleTool(context.Background(), Call{ToolUseID: "c2", Name: "pick_file"})
	require.True(t, result.Success)
	require.Equal(t, "file.txt", result.Content)
}

func TestExecuteSingleToolClientToolTimesOut(t *testing.T) {
	e := newTestExecutor()
	e.Registry.Register(&Tool{
		Name:             "pick_file",
		Type:             TypeClient,
		RequiresResponse: true,
		Timeout:          10 * time.Millisecond,
	})

	result := e.ExecuteSingleTool(context.Background(), Call{ToolUseID: "c3", Name: "pick_file"})
	require.False(t, result.Success)
	require.Equal(t, "timeout", result.ErrorType)
}

func TestExecuteSingleToolHandlerPanicBecomesFailedResult(t *testing.T) {
	e := newTestExecutor()
	e.Registry.Register(&Tool{
		Name: "boom",
		Type: TypeServer,
		Handler: func(ctx context.Context, call Call) (Result, error) {
			panic("kaboom")
		},
	})

	result := e.ExecuteSingleTool(context.Background(), Call{ToolUseID: "b1", Name: "boom"})
	require.False(t, result.Success)
	require.Contains(t, result.Error, "kaboom")
}

func TestExecuteSingleToolUnknownToolReturnsFailedResult(t *testing.T) {
	e := newTestExecutor()
	result := e.ExecuteSingleTool(context.Background(), Call{ToolUseID: "u1", Name: "ghost"})
	require.False(t, result.Success)
	require.Equal(t, "not_found", result.ErrorType)
}

func TestProcessToolWithConfirmationDeniedByPolicyNeverInvokesHandler(t *testing.T) {
	e := newTestExecutor()
	var handlerRan bool
	e.Registry.Register(&Tool{
		Name: "format_disk",
		Type: TypeServer,
		Handler: func(ctx context.Context, call Call) (Result, error) {
			handlerRan = true
			return Result{Success: true}, nil
		},
	})
	e.Resolver = policy.NewResolver()
	e.Policy = policy.NewPolicy(policy.ProfileCoding).WithDeny("format_disk")

	_, result := e.ProcessToolWithConfirmation(context.Background(), Call{ToolUseID: "d1", Name: "format_disk"}, Callbacks{})
	require.False(t, result.Success)
	require.Contains(t, result.Error, "denied by policy")
	require.False(t, handlerRan)
}
