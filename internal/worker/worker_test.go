package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/taskscheduler/internal/bus"
	"github.com/swarmguard/taskscheduler/internal/model"
	"github.com/swarmguard/taskscheduler/internal/pluginrt"
)

func newTestWorker(b bus.Bus) *Worker {
	rt := pluginrt.New(0)
	cfg := DefaultConfig()
	cfg.WorkerID = "test-worker"
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.FetchWait = 20 * time.Millisecond
	return New(b, rt, cfg)
}

func TestWorkerExecutesQueuedTaskAndPublishesCompleted(t *testing.T) {
	b := bus.NewMemBus()
	w := newTestWorker(b)

	completed := make(chan model.Event, 1)
	sub, err := b.Subscribe(context.Background(), bus.TopicEventsCompleted, func(_ context.Context, env bus.Envelope) {
		completed <- env.Event
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, b.Enqueue(ctx, bus.QueueTasks, model.QueuedTask{
		TaskID: "t1", Method: "echo", Args: []model.Value{model.StringValue("hello")},
	}))

	select {
	case ev := <-completed:
		require.Equal(t, "t1", ev.TaskID)
		require.NotNil(t, ev.Result)
		require.Equal(t, "hello", ev.Result.Str)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Completed event")
	}
}

func TestWorkerPublishesFailedOnExecutionError(t *testing.T) {
	b := bus.NewMemBus()
	w := newTestWorker(b)

	failed := make(chan model.Event, 1)
	sub, err := b.Subscribe(context.Background(), bus.TopicEventsFailed, func(_ context.Context, env bus.Envelope) {
		failed <- env.Event
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, b.Enqueue(ctx, bus.QueueTasks, model.QueuedTask{
		TaskID: "t2", Method: "fail", Args: nil,
	}))

	select {
	case ev := <-failed:
		require.Equal(t, "t2", ev.TaskID)
		require.NotEmpty(t, ev.Error)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Failed event")
	}
}

func TestWorkerPublishesUnsupportedMethod(t *testing.T) {
	b := bus.NewMemBus()
	w := newTestWorker(b)

	unsup := make(chan model.Event, 1)
	sub, err := b.Subscribe(context.Background(), bus.TopicEventsUnsupportedMethod, func(_ context.Context, env bus.Envelope) {
		unsup <- env.Event
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, b.Enqueue(ctx, bus.QueueTasks, model.QueuedTask{
		TaskID: "t3", Method: "does-not-exist",
	}))

	select {
	case ev := <-unsup:
		require.Equal(t, "t3", ev.TaskID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for UnsupportedMethod event")
	}
}

func TestWorkerAnnouncesJoinAndLeave(t *testing.T) {
	b := bus.NewMemBus()
	w := newTestWorker(b)

	joined := make(chan model.Event, 1)
	left := make(chan model.Event, 1)
	jsub, err := b.Subscribe(context.Background(), bus.TopicWorkersJoined, func(_ context.Context, env bus.Envelope) {
		joined <- env.Event
	})
	require.NoError(t, err)
	defer jsub.Unsubscribe()
	lsub, err := b.Subscribe(context.Background(), bus.TopicWorkersLeft, func(_ context.Context, env bus.Envelope) {
		left <- env.Event
	})
	require.NoError(t, err)
	defer lsub.Unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(runDone)
	}()

	select {
	case ev := <-joined:
		require.Equal(t, "test-worker", ev.WorkerID)
		require.NotEmpty(t, ev.SupportedMethods)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for WorkerJoined")
	}

	cancel()
	select {
	case <-left:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for WorkerLeft")
	}
	<-runDone
}
