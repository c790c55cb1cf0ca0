package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/taskscheduler/internal/model"
)

func TestMemBusPublishSubscribeWildcard(t *testing.T) {
	b := NewMemBus()
	received := make(chan Envelope, 1)
	_, err := b.Subscribe(context.Background(), "tasks.events.*", func(_ context.Context, env Envelope) {
		received <- env
	})
	require.NoError(t, err)

	err = b.Publish(context.Background(), "tasks.events.completed", Envelope{Event: model.Event{Kind: model.EventCompleted, TaskID: "t1"}})
	require.NoError(t, err)

	select {
	case env := <-received:
		require.Equal(t, "t1", env.Event.TaskID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMemBusEnqueueFetchAckNack(t *testing.T) {
	b := NewMemBus()
	ctx := context.Background()
	task := model.QueuedTask{TaskID: "t1", Method: "echo", Priority: 50}
	require.NoError(t, b.Enqueue(ctx, "tasks.queue", task))

	fetched, err := b.Fetch(ctx, "tasks.queue", "worker-1", 10, time.Second, 200*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, fetched, 1)
	require.Equal(t, "t1", fetched[0].Task.TaskID)

	// Not yet acked; re-fetch should return nothing until visibility timeout elapses.
	again, err := b.Fetch(ctx, "tasks.queue", "worker-1", 10, 50*time.Millisecond, time.Second)
	require.NoError(t, err)
	require.Empty(t, again)

	time.Sleep(250 * time.Millisecond)
	redelivered, err := b.Fetch(ctx, "tasks.queue", "worker-1", 10, time.Second, time.Second)
	require.NoError(t, err)
	require.Len(t, redelivered, 1, "expected redelivery after visibility timeout expiry")

	require.NoError(t, redelivered[0].Ack())
	empty, err := b.Fetch(ctx, "tasks.queue", "worker-1", 10, 50*time.Millisecond, time.Second)
	require.NoError(t, err)
	require.Empty(t, empty, "acked task must not be redelivered")
}

func TestMemBusResultPublishSubscribe(t *testing.T) {
	b := NewMemBus()
	ctx := context.Background()
	ch, sub, err := b.ResultSubscribe(ctx, "t1")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.ResultPublish(ctx, TaskResultMessage{Result: model.TaskResult{TaskID: "t1", Status: model.StatusSucceeded}}))

	select {
	case msg := <-ch:
		require.Equal(t, model.StatusSucceeded, msg.Result.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}
}
