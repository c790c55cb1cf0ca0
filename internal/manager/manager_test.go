package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/taskscheduler/internal/bus"
	"github.com/swarmguard/taskscheduler/internal/model"
	"github.com/swarmguard/taskscheduler/internal/scheduler"
	"github.com/swarmguard/taskscheduler/internal/store"
)

func newTestManager() (*Manager, bus.Bus, store.Store) {
	b := bus.NewMemBus()
	st := store.NewMemoryStore(16)
	sched := scheduler.NewFIFOScheduler()
	cfg := DefaultConfig()
	cfg.DispatchInterval = 5 * time.Millisecond
	cfg.AdmissionRatePerSecond = 0
	m := New(st, sched, b, cfg)
	return m, b, st
}

func TestSubmitAsyncDispatchesToQueue(t *testing.T) {
	m, b, st := newTestManager()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go m.RunDispatchLoop(ctx)

	out, err := m.Submit(ctx, model.Task{Method: "echo", Args: []model.Value{model.StringValue("hi")}}, true)
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, out.Status)

	fetched, err := b.Fetch(ctx, bus.QueueTasks, "test-worker", 1, time.Second, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, fetched, 1)
	require.Equal(t, out.TaskID, fetched[0].Task.TaskID)
	require.NoError(t, fetched[0].Ack())

	rec, ok, err := st.GetTask(out.TaskID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.StatusQueued, rec.Status.Kind)
}

func TestSubmitSyncReturnsResultOnCompletion(t *testing.T) {
	m, b, _ := newTestManager()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go m.RunDispatchLoop(ctx)
	go m.Run(ctx)

	resultCh := make(chan SubmitOutcome, 1)
	go func() {
		out, err := m.Submit(ctx, model.Task{Method: "echo", Args: []model.Value{model.StringValue("hi")}}, false)
		require.NoError(t, err)
		resultCh <- out
	}()

	var taskID string
	for taskID == "" {
		fetched, err := b.Fetch(ctx, bus.QueueTasks, "w1", 1, 500*time.Millisecond, 30*time.Second)
		require.NoError(t, err)
		if len(fetched) > 0 {
			taskID = fetched[0].Task.TaskID
			require.NoError(t, fetched[0].Ack())
		}
	}

	require.NoError(t, b.Publish(ctx, bus.TopicEventsCompleted, bus.Envelope{
		Event: model.Event{Kind: model.EventCompleted, TaskID: taskID, Result: ptrValue(model.StringValue("hi")), Timestamp: time.Now()},
	}))
	require.NoError(t, b.ResultPublish(ctx, bus.TaskResultMessage{
		Result: model.TaskResult{TaskID: taskID, Status: model.StatusSucceeded, Value: ptrValue(model.StringValue("hi"))},
	}))

	select {
	case out := <-resultCh:
		require.Equal(t, model.StatusSucceeded, out.Status)
		require.NotNil(t, out.Result)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for submit result")
	}
}

func TestDependencyFailurePropagatesToDependent(t *testing.T) {
	m, _, st := newTestManager()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	predOut, err := m.Submit(ctx, model.Task{Method: "echo", Args: []model.Value{model.StringValue("x")}}, true)
	require.NoError(t, err)

	depOut, err := m.Submit(ctx, model.Task{Method: "echo", Dependencies: []string{predOut.TaskID}}, true)
	require.NoError(t, err)

	rec, ok, err := st.GetTask(depOut.TaskID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.StatusWaitingDependencies, rec.Status.Kind)

	m.handleTerminalFailure(ctx, predOut.TaskID, "boom", 0)

	rec, ok, err = st.GetTask(depOut.TaskID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.StatusFailed, rec.Status.Kind)
	require.Contains(t, rec.Status.Reason, predOut.TaskID)
}

func TestCancelTaskIsIdempotentOnTerminalTask(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	out, err := m.Submit(ctx, model.Task{Method: "echo", Args: []model.Value{model.StringValue("x")}}, true)
	require.NoError(t, err)

	ok, err := m.CancelTask(ctx, out.TaskID)
	require.NoError(t, err)
	require.True(t, ok)

	// Cancelling again must still report success (spec §7).
	ok, err = m.CancelTask(ctx, out.TaskID)
	require.NoError(t, err)
	require.True(t, ok)
}

func ptrValue(v model.Value) *model.Value { return &v }
