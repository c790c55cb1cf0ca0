package reconciler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/taskscheduler/internal/bus"
	"github.com/swarmguard/taskscheduler/internal/manager"
	"github.com/swarmguard/taskscheduler/internal/model"
	"github.com/swarmguard/taskscheduler/internal/scheduler"
	"github.com/swarmguard/taskscheduler/internal/store"
)

func writeResource(t *testing.T, dir, name, yamlBody string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(yamlBody), 0o644))
}

func newTestReconciler(t *testing.T) (*Reconciler, *FileClient, bus.Bus, *manager.Manager, string) {
	dir := t.TempDir()
	client := NewFileClient(dir)
	b := bus.NewMemBus()
	st := store.NewMemoryStore(16)
	sched := scheduler.NewFIFOScheduler()
	mcfg := manager.DefaultConfig()
	mcfg.DispatchInterval = 5 * time.Millisecond
	mcfg.AdmissionRatePerSecond = 0
	mgr := manager.New(st, sched, b, mcfg)

	cfg := DefaultConfig()
	cfg.PollInterval = 20 * time.Millisecond
	r := New(client, mgr, b, cfg)
	return r, client, b, mgr, dir
}

func TestReconcilePendingSubmitsAndAdvancesToQueued(t *testing.T) {
	r, client, _, _, dir := newTestReconciler(t)
	writeResource(t, dir, "task-a", "spec:\n  method: echo\n  args: [\"hi\"]\nstatus:\n  phase: Pending\n")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.reconcileAll(ctx)

	resources, err := client.List()
	require.NoError(t, err)
	require.Len(t, resources, 1)
	require.Equal(t, PhaseQueued, resources[0].Status.Phase)
	require.NotEmpty(t, resources[0].Status.TaskID)
}

func TestReconcilePendingRejectsEmptyMethod(t *testing.T) {
	r, client, _, _, dir := newTestReconciler(t)
	writeResource(t, dir, "task-b", "spec:\n  method: \"\"\nstatus:\n  phase: Pending\n")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.reconcileAll(ctx)

	resources, err := client.List()
	require.NoError(t, err)
	require.Equal(t, PhaseFailed, resources[0].Status.Phase)
	require.NotEmpty(t, resources[0].Status.Error)
}

func TestReconcilerDrivesFullLifecycleToSucceeded(t *testing.T) {
	r, client, b, mgr, dir := newTestReconciler(t)
	writeResource(t, dir, "task-c", "spec:\n  method: echo\n  args: [\"hi\"]\nstatus:\n  phase: Pending\n")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	go mgr.RunDispatchLoop(ctx)
	go mgr.Run(ctx)
	go r.Run(ctx)

	var taskID string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fetched, err := b.Fetch(ctx, bus.QueueTasks, "worker-1", 1, 100*time.Millisecond, 30*time.Second)
		require.NoError(t, err)
		if len(fetched) > 0 {
			taskID = fetched[0].Task.TaskID
			require.NoError(t, fetched[0].Ack())
			break
		}
	}
	require.NotEmpty(t, taskID)

	require.NoError(t, b.Publish(ctx, bus.TopicEventsStarted, bus.Envelope{
		Event: model.Event{Kind: model.EventStarted, TaskID: taskID, WorkerID: "worker-1", Timestamp: time.Now()},
	}))
	require.NoError(t, b.Publish(ctx, bus.TopicEventsCompleted, bus.Envelope{
		Event: model.Event{Kind: model.EventCompleted, TaskID: taskID, Result: ptrValue(model.StringValue("hi")), Timestamp: time.Now()},
	}))
	require.NoError(t, b.ResultPublish(ctx, bus.TaskResultMessage{
		Result: model.TaskResult{TaskID: taskID, Status: model.StatusSucceeded, Value: ptrValue(model.StringValue("hi"))},
	}))

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resources, err := client.List()
		require.NoError(t, err)
		if resources[0].Status.Phase == PhaseSucceeded {
			require.NotNil(t, resources[0].Status.Result)
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("resource never reached Succeeded phase")
}

func TestRequeueDelayOrdering(t *testing.T) {
	// Jitter is ±15%, so classes never overlap in their typical range.
	for i := 0; i < 20; i++ {
		require.Less(t, RequeueDelay(ClassTemporary), 40*time.Second)
		require.Greater(t, RequeueDelay(ClassTemporary), 20*time.Second)
		require.Less(t, RequeueDelay(ClassUnknown), 80*time.Second)
		require.Greater(t, RequeueDelay(ClassUnknown), 40*time.Second)
		require.Less(t, RequeueDelay(ClassPermanent), 360*time.Second)
		require.Greater(t, RequeueDelay(ClassPermanent), 240*time.Second)
	}
}

func ptrValue(v model.Value) *model.Value { return &v }
