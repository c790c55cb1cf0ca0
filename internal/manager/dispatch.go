package manager

import (
	"context"
	"log/slog"
	"time"

	"github.com/swarmguard/taskscheduler/internal/bus"
	"github.com/swarmguard/taskscheduler/internal/model"
)

// RunDispatchLoop pulls ready tasks from the Scheduler on a fixed interval and enqueues them
// onto the Bus's durable work queue (spec §4.6 "routing tasks to Scheduler -> Bus queue"). It
// blocks until ctx is cancelled.
func (m *Manager) RunDispatchLoop(ctx context.Context) {
	interval := m.cfg.DispatchInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	batch := m.cfg.DispatchBatchSize
	if batch <= 0 {
		batch = 32
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.dispatchOnce(ctx, batch)
		}
	}
}

func (m *Manager) dispatchOnce(ctx context.Context, batch int) {
	ready := m.sched.GetReadyTasks(batch)
	for _, st := range ready {
		task := st.Task
		qt := model.QueuedTask{TaskID: task.ID, Method: task.Method, Args: task.Args, Priority: task.Priority}
		if err := m.bus.Enqueue(ctx, bus.QueueTasks, qt); err != nil {
			slog.Error("dispatch: enqueue failed", "task", task.ID, "error", err)
			// Put it back so it isn't silently dropped; the next tick retries it.
			_ = m.sched.RemoveTask(task.ID)
			_ = m.sched.AddTask(st)
			continue
		}
		if err := m.store.UpdateTaskStatus(task.ID, model.TaskStatus{Kind: model.StatusQueued}); err != nil {
			slog.Warn("dispatch: status transition to Queued failed", "task", task.ID, "error", err)
		}
		m.publish(ctx, bus.TopicForEvent(model.EventQueued), model.Event{
			Kind: model.EventQueued, TaskID: task.ID, Timestamp: time.Now(),
		})
	}
}

// HandleWorkerHeartbeat feeds a worker heartbeat into the Scheduler if it tracks worker state
// (only scheduler.AffinityScheduler does; other disciplines ignore it).
func (m *Manager) HandleWorkerHeartbeat(ws model.WorkerState) {
	if ha, ok := m.sched.(heartbeatAware); ok {
		ha.UpdateWorkerHeartbeat(ws)
	}
}
