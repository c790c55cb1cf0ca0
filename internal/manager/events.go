package manager

import (
	"context"
	"log/slog"
	"time"

	"github.com/swarmguard/taskscheduler/internal/bus"
	"github.com/swarmguard/taskscheduler/internal/depgraph"
	"github.com/swarmguard/taskscheduler/internal/model"
	"github.com/swarmguard/taskscheduler/internal/resilience"
	"github.com/swarmguard/taskscheduler/internal/scheduler"
)

// Run subscribes to the task lifecycle and worker lifecycle topics and folds observed events
// back into the Store and DependencyManager (spec §4.6 "Runtime loop: a long-lived subscriber to
// task.events.* handles Completed/Failed/Cancelled..."). It blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	taskSub, err := m.bus.Subscribe(ctx, bus.TopicEventsAll, m.handleTaskEvent)
	if err != nil {
		return err
	}
	defer taskSub.Unsubscribe()

	workerSub, err := m.bus.Subscribe(ctx, "workers.events.*", m.handleWorkerEvent)
	if err != nil {
		return err
	}
	defer workerSub.Unsubscribe()

	<-ctx.Done()
	return nil
}

func (m *Manager) handleWorkerEvent(ctx context.Context, env bus.Envelope) {
	switch env.Event.Kind {
	case model.EventWorkerHeartbeat:
		m.HandleWorkerHeartbeat(model.WorkerState{
			WorkerID:      env.Event.WorkerID,
			Load:          env.Event.Load,
			RunningCount:  env.Event.RunningCount,
			LastHeartbeat: env.Event.Timestamp,
		})
	case model.EventWorkerJoined:
		slog.Info("worker joined", "worker", env.Event.WorkerID, "methods", env.Event.SupportedMethods)
	case model.EventWorkerLeft:
		slog.Info("worker left", "worker", env.Event.WorkerID, "unfinished", env.Event.UnfinishedTasks)
	}
}

func (m *Manager) handleTaskEvent(ctx context.Context, env bus.Envelope) {
	ev := env.Event
	switch ev.Kind {
	case model.EventStarted:
		_ = m.store.UpdateTaskStatus(ev.TaskID, model.TaskStatus{Kind: model.StatusRunning, WorkerID: ev.WorkerID, StartedAt: ev.Timestamp})
	case model.EventCompleted:
		m.handleCompleted(ctx, ev)
	case model.EventFailed:
		m.handleFailed(ctx, ev)
	case model.EventCancelled:
		m.handleCancelled(ctx, ev)
	case model.EventUnsupportedMethod:
		slog.Warn("unsupported method observed", "task", ev.TaskID)
		m.handleTerminalFailure(ctx, ev.TaskID, "unsupported method", 0)
	}
}

func (m *Manager) handleCompleted(ctx context.Context, ev model.Event) {
	m.resetAttempts(ev.TaskID)
	now := time.Now()
	status := model.TaskStatus{Kind: model.StatusSucceeded, CompletedAt: now}
	if err := m.store.UpdateTaskStatus(ev.TaskID, status); err != nil {
		slog.Warn("completed: status transition failed", "task", ev.TaskID, "error", err)
	}
	result := model.TaskResult{TaskID: ev.TaskID, Status: model.StatusSucceeded, Value: ev.Result}
	_ = m.store.StoreResult(result)
	_ = m.store.AppendHistory(model.ExecutionHistory{
		TaskID: ev.TaskID, Status: model.StatusSucceeded, ExecutedAt: ev.Timestamp, CompletedAt: now,
	})
	_ = m.sched.MarkExecuted(ev.TaskID, true)
	_ = m.bus.ResultPublish(ctx, bus.TaskResultMessage{Result: result})
	m.deps.NotifyTerminal(ev.TaskID, depgraph.OutcomeSucceeded)
}

// handleFailed implements spec §9 "Retry semantics": on Failed, consult the task's retry policy,
// compute backoff, and re-submit (requeue) the task with an incremented attempt counter until
// max_retries is reached; only then the terminal Failed is persisted.
func (m *Manager) handleFailed(ctx context.Context, ev model.Event) {
	rec, ok, err := m.store.GetTask(ev.TaskID)
	if err != nil || !ok {
		slog.Warn("failed event for unknown task", "task", ev.TaskID)
		return
	}
	attempt := m.incrementAttempts(ev.TaskID)

	_ = m.store.AppendHistory(model.ExecutionHistory{
		TaskID: ev.TaskID, Attempt: attempt, Status: model.StatusFailed, ExecutedAt: ev.Timestamp,
		CompletedAt: time.Now(), Error: ev.Error,
	})

	policy := rec.Task.RetryPolicy
	if attempt < policy.MaxAttempts {
		m.scheduleRetry(ctx, rec.Task, attempt, policy)
		return
	}
	m.handleTerminalFailure(ctx, ev.TaskID, ev.Error, attempt)
}

func (m *Manager) scheduleRetry(ctx context.Context, task model.Task, attempt int, policy model.RetryPolicy) {
	initial := time.Duration(policy.InitialBackoffSeconds * float64(time.Second))
	maxB := time.Duration(policy.MaxBackoffSeconds * float64(time.Second))
	if maxB <= 0 {
		maxB = time.Hour
	}
	backoff := resilience.ComputeBackoff(resilience.BackoffStrategy(task.RetryPolicy.Backoff), attempt, initial, maxB, policy.Multiplier)

	_ = m.store.UpdateTaskStatus(task.ID, model.TaskStatus{Kind: model.StatusPending})
	m.publish(ctx, bus.TopicForEvent(model.EventRetrying), model.Event{
		Kind: model.EventRetrying, TaskID: task.ID, Attempt: attempt, Timestamp: time.Now(),
	})

	go func() {
		timer := time.NewTimer(backoff)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
		_ = m.sched.RemoveTask(task.ID)
		if err := m.sched.AddTask(scheduler.ScheduledTask{Task: task, Stealable: true}); err != nil {
			slog.Error("retry: re-add to scheduler failed", "task", task.ID, "error", err)
		}
	}()
}

func (m *Manager) handleTerminalFailure(ctx context.Context, taskID, errMsg string, retries int) {
	now := time.Now()
	status := model.TaskStatus{Kind: model.StatusFailed, CompletedAt: now, Error: errMsg, Retries: retries}
	_ = m.store.UpdateTaskStatus(taskID, status)
	result := model.TaskResult{TaskID: taskID, Status: model.StatusFailed, Error: errMsg, Metrics: model.ExecutionMetrics{Retries: retries}}
	_ = m.store.StoreResult(result)
	_ = m.sched.MarkExecuted(taskID, false)
	_ = m.sched.RemoveTask(taskID)
	_ = m.bus.ResultPublish(ctx, bus.TaskResultMessage{Result: result})
	m.resetAttempts(taskID)
	m.deps.NotifyTerminal(taskID, depgraph.OutcomeFailed)
}

func (m *Manager) handleCancelled(ctx context.Context, ev model.Event) {
	// CancelTask already performed the store write and DependencyManager notification; a
	// Cancelled event observed here originates from a worker acknowledging the control-topic
	// cancellation (spec §4.7), which is informational only by the time it arrives.
	m.resetAttempts(ev.TaskID)
}

func (m *Manager) incrementAttempts(taskID string) int {
	m.attemptsMu.Lock()
	defer m.attemptsMu.Unlock()
	m.attempts[taskID]++
	return m.attempts[taskID]
}

func (m *Manager) resetAttempts(taskID string) {
	m.attemptsMu.Lock()
	defer m.attemptsMu.Unlock()
	delete(m.attempts, taskID)
}
