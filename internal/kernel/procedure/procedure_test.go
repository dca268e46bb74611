package procedure

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentrt/kernel/internal/kerrors"
	"github.com/agentrt/kernel/internal/kernel/tracker"
)

func newTestTracker() *tracker.Tracker {
	return tracker.New(nil, nil)
}

func TestInvokeCallsHandlerAndReturnsResult(t *testing.T) {
	proc := New("greet", func(ctx context.Context, args []any) (any, error) {
		return "hello " + args[0].(string), nil
	}, newTestTracker())

	result, err := proc.Invoke(context.Background(), "world")
	require.NoError(t, err)
	require.Equal(t, "hello world", result)
}

func TestUseAppliesMiddlewareInLIFOPostOrder(t *testing.T) {
	var order []string
	mwA := func(ctx context.Context, args []any, envelope *Envelope, next Next) (any, error) {
		order = append(order, "a-pre")
		result, err := next(args)
		order = append(order, "a-post")
		return result, err
	}
	mwB := func(ctx context.Context, args []any, envelope *Envelope, next Next) (any, error) {
		order = append(order, "b-pre")
		result, err := next(args)
		order = append(order, "b-post")
		return result, err
	}

	proc := New("op", func(ctx context.Context, args []any) (any, error) {
		order = append(order, "handler")
		return nil, nil
	}, newTestTracker()).Use(mwA, mwB)

	_, err := proc.Invoke(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"a-pre", "b-pre", "handler", "b-post", "a-post"}, order)
}

func TestMiddlewareCanTransformArgs(t *testing.T) {
	mw := func(ctx context.Context, args []any, envelope *Envelope, next Next) (any, error) {
		return next([]any{"transformed"})
	}
	proc := New("op", func(ctx context.Context, args []any) (any, error) {
		return args[0], nil
	}, newTestTracker()).Use(mw)

	result, err := proc.Invoke(context.Background(), "original")
	require.NoError(t, err)
	require.Equal(t, "transformed", result)
}

func TestMiddlewareCanShortCircuit(t *testing.T) {
	var handlerRan bool
	mw := func(ctx context.Context, args []any, envelope *Envelope, next Next) (any, error) {
		return "short-circuited", nil
	}
	proc := New("op", func(ctx context.Context, args []any) (any, error) {
		handlerRan = true
		return nil, nil
	}, newTestTracker()).Use(mw)

	result, err := proc.Invoke(context.Background())
	require.NoError(t, err)
	require.Equal(t, "short-circuited", result)
	require.False(t, handlerRan)
}

func TestWithSchemaRejectsInvalidInput(t *testing.T) {
	schema := []byte(`{"type":"object","required":["name"],"properties":{"name":{"type":"string"}}}`)
	base := New("createOrder", func(ctx context.Context, args []any) (any, error) {
		return args[0], nil
	}, newTestTracker())
	proc, err := base.WithSchema(schema)
	require.NoError(t, err)

	_, err = proc.Invoke(context.Background(), map[string]any{})
	require.Error(t, err)
	var verr *kerrors.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestWithSchemaAcceptsValidInput(t *testing.T) {
	schema := []byte(`{"type":"object","required":["name"],"properties":{"name":{"type":"string"}}}`)
	base := New("createOrder", func(ctx context.Context, args []any) (any, error) {
		m := args[0].(map[string]any)
		return m["name"], nil
	}, newTestTracker())
	proc, err := base.WithSchema(schema)
	require.NoError(t, err)

	result, err := proc.Invoke(context.Background(), map[string]any{"name": "widget"})
	require.NoError(t, err)
	require.Equal(t, "widget", result)
}

func TestWithTimeoutProducesTimeoutError(t *testing.T) {
	proc := New("slow", func(ctx context.Context, args []any) (any, error) {
		time.Sleep(50 * time.Millisecond)
		return "done", nil
	}, newTestTracker()).WithTimeout(5 * time.Millisecond)

	_, err := proc.Invoke(context.Background())
	require.Error(t, err)
	var terr *kerrors.TimeoutError
	require.ErrorAs(t, err, &terr)
}

func TestWithTimeoutDoesNotFireWhenFastEnough(t *testing.T) {
	proc := New("fast", func(ctx context.Context, args []any) (any, error) {
		return "done", nil
	}, newTestTracker()).WithTimeout(time.Second)

	result, err := proc.Invoke(context.Background())
	require.NoError(t, err)
	require.Equal(t, "done", result)
}

func TestPipeChainsTwoProcedures(t *testing.T) {
	double := New("double", func(ctx context.Context, args []any) (any, error) {
		return args[0].(int) * 2, nil
	}, newTestTracker())
	addOne := New("addOne", func(ctx context.Context, args []any) (any, error) {
		return args[0].(int) + 1, nil
	}, newTestTracker())

	piped := double.Pipe(addOne)
	result, err := piped.Invoke(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 21, result)
}

func TestUseDoesNotMutateOriginal(t *testing.T) {
	base := New("op", func(ctx context.Context, args []any) (any, error) { return nil, nil }, newTestTracker())
	withMW := base.Use(func(ctx context.Context, args []any, envelope *Envelope, next Next) (any, error) {
		return "mw-result", nil
	})

	baseResult, err := base.Invoke(context.Background())
	require.NoError(t, err)
	require.Nil(t, baseResult)

	mwResult, err := withMW.Invoke(context.Background())
	require.NoError(t, err)
	require.Equal(t, "mw-result", mwResult)
}

func TestHandlerErrorPropagatesUnchanged(t *testing.T) {
	sentinel := errors.New("handler boom")
	proc := New("op", func(ctx context.Context, args []any) (any, error) {
		return nil, sentinel
	}, newTestTracker())

	_, err := proc.Invoke(context.Background())
	require.ErrorIs(t, err, sentinel)
}

func TestInvokeWithHandleReportsStatusAndResult(t *testing.T) {
	proc := New("op", func(ctx context.Context, args []any) (any, error) {
		return "ok", nil
	}, newTestTracker())

	handle, results := proc.InvokeWithHandle(context.Background())
	require.NotEmpty(t, handle.TraceID)

	result := <-results
	require.NoError(t, result.Err)
	require.Equal(t, "ok", result.Value)
	require.Equal(t, "done", handle.GetStatus())
}
