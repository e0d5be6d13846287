package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/overmind-core/orchestrator/pkg/queue/broker"
	"github.com/overmind-core/orchestrator/test/testutil"
)

func TestSendAndReceive(t *testing.T) {
	ctx := context.Background()
	b := broker.New(testutil.SetupTestRedis(t), "test")

	taskID, err := b.SendTask(ctx, "evaluations.evaluate_spans", map[string]any{"job_id": "j1"})
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	state, _, err := b.AsyncResult(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, broker.StatePending, state)

	task, err := b.Receive(ctx, "evaluations.evaluate_spans", time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, taskID, task.ID)
	require.Equal(t, "j1", task.Params["job_id"])
}

func TestReceiveTimesOutWithoutError(t *testing.T) {
	ctx := context.Background()
	b := broker.New(testutil.SetupTestRedis(t), "test")

	task, err := b.Receive(ctx, "nothing.here", 200*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, task)
}

func TestMarkTransitions(t *testing.T) {
	ctx := context.Background()
	b := broker.New(testutil.SetupTestRedis(t), "test")

	taskID, err := b.SendTask(ctx, "evaluations.evaluate_spans", nil)
	require.NoError(t, err)

	require.NoError(t, b.MarkStarted(ctx, taskID))
	state, _, err := b.AsyncResult(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, broker.StateStarted, state)

	require.NoError(t, b.MarkSuccess(ctx, taskID, map[string]any{"ok": true}))
	state, result, err := b.AsyncResult(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, broker.StateSuccess, state)
	require.Equal(t, true, result.Value["ok"])
}

func TestAsyncResultUnknownTaskIsPending(t *testing.T) {
	ctx := context.Background()
	b := broker.New(testutil.SetupTestRedis(t), "test")

	state, _, err := b.AsyncResult(ctx, "never-sent")
	require.NoError(t, err)
	require.Equal(t, broker.StatePending, state)
}
