// Package manager implements the Manager of spec §4.6: the submission API surface, admission
// control, routing of ready tasks from the Scheduler to the Bus queue, and the runtime loop that
// folds task lifecycle events back into the Store and DependencyManager.
package manager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/taskscheduler/internal/bus"
	"github.com/swarmguard/taskscheduler/internal/depgraph"
	"github.com/swarmguard/taskscheduler/internal/model"
	"github.com/swarmguard/taskscheduler/internal/resilience"
	"github.com/swarmguard/taskscheduler/internal/scheduler"
	"github.com/swarmguard/taskscheduler/internal/store"
)

// heartbeatAware is implemented by scheduler.AffinityScheduler; other disciplines ignore worker
// heartbeats entirely, so the Manager only type-asserts for it rather than widening the
// scheduler.Scheduler interface with a method most disciplines would no-op.
type heartbeatAware interface {
	UpdateWorkerHeartbeat(ws model.WorkerState)
}

// Config tunes the admission and dispatch behavior of the Manager.
type Config struct {
	// DefaultResultWait is the synchronous-submission wait budget (spec §4.6, default 30s).
	DefaultResultWait time.Duration
	// DispatchInterval controls how often the Manager polls the Scheduler for ready tasks.
	DispatchInterval time.Duration
	// DispatchBatchSize bounds each GetReadyTasks call.
	DispatchBatchSize int
	// AdmissionRatePerSecond and AdmissionBurst back the resilience.RateLimiter admission gate
	// (spec §4.6 "admission control"); zero disables admission control entirely.
	AdmissionRatePerSecond float64
	AdmissionBurst         int64
}

// DefaultConfig matches the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		DefaultResultWait:      30 * time.Second,
		DispatchInterval:       50 * time.Millisecond,
		DispatchBatchSize:      32,
		AdmissionRatePerSecond: 500,
		AdmissionBurst:         1000,
	}
}

// SubmitOutcome is Submit's result (spec §4.6 SubmitResponse, before it is shaped onto the wire
// in internal/wire by the gRPC-shaped server).
type SubmitOutcome struct {
	TaskID string
	Status model.StatusKind
	Result *model.TaskResult // populated only when the synchronous wait observed a terminal result
}

// ResultOutcome is GetResult's result (spec §4.6 ResultResponse).
type ResultOutcome struct {
	Status  model.StatusKind
	Result  *model.TaskResult
	IsReady bool
}

// Manager is the spec §4.6 component. It owns task records and results via Store (spec §3
// "Ownership"); the Scheduler and DependencyManager are held by reference, not copied.
type Manager struct {
	store store.Store
	sched scheduler.Scheduler
	deps  *depgraph.Manager
	bus   bus.Bus
	cfg   Config
	admit *resilience.RateLimiter

	attemptsMu sync.Mutex
	attempts   map[string]int
}

// New wires a Manager over the given Store/Scheduler/Bus. The DependencyManager is constructed
// internally because its release/fail callbacks must close over this Manager.
func New(st store.Store, sched scheduler.Scheduler, b bus.Bus, cfg Config) *Manager {
	m := &Manager{
		store:    st,
		sched:    sched,
		bus:      b,
		cfg:      cfg,
		attempts: make(map[string]int),
	}
	if cfg.AdmissionRatePerSecond > 0 {
		m.admit = resilience.NewRateLimiter(cfg.AdmissionBurst, cfg.AdmissionRatePerSecond, time.Second, cfg.AdmissionBurst)
	}
	m.deps = depgraph.New(m.releaseToScheduler, m.failDependent)
	return m
}

// RebuildFromStore re-derives the DependencyManager's pending sets from every task currently in
// WaitingDependencies status (spec §3 "rebuildable from the store on startup").
func (m *Manager) RebuildFromStore() error {
	waiting := model.StatusWaitingDependencies
	recs, err := m.store.ListTasks(store.ListFilter{Status: &waiting, Limit: 0})
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := m.deps.AddTask(rec.Task.ID, rec.Task.Dependencies); err != nil {
			slog.Warn("rebuild: dependency re-registration failed", "task", rec.Task.ID, "error", err)
		}
	}
	return nil
}

// Submit validates and admits a task (spec §4.6). On success the task is created in the Store,
// a Created event is published, and it's handed to the DependencyManager. If isAsync is false,
// Submit blocks (up to cfg.DefaultResultWait) on the task's result stream and returns the
// terminal TaskResult if it arrives in time, else a Pending outcome (spec §7 "synchronous
// submissions that time out internally return Pending").
func (m *Manager) Submit(ctx context.Context, task model.Task, isAsync bool) (SubmitOutcome, error) {
	if task.Method == "" {
		return SubmitOutcome{}, model.NewError(model.ErrKindInvalidArguments, "method is required")
	}
	for _, d := range task.Dependencies {
		if d == "" {
			return SubmitOutcome{}, model.NewError(model.ErrKindInvalidArguments, "empty dependency identifier")
		}
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if m.admit != nil && !m.admit.AllowTask(task.Priority) {
		return SubmitOutcome{}, model.NewError(model.ErrKindResourceLimit, "admission control rejected submission")
	}

	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now
	task.Active = true

	status := model.TaskStatus{Kind: model.StatusPending}
	if len(task.Dependencies) > 0 {
		status = model.TaskStatus{Kind: model.StatusWaitingDependencies}
	}

	if err := m.store.CreateTask(store.TaskRecord{Task: task, Status: status}); err != nil {
		return SubmitOutcome{}, err
	}

	m.publish(ctx, bus.TopicForEvent(model.EventCreated), model.Event{
		Kind: model.EventCreated, TaskID: task.ID, Timestamp: now,
	})

	var resultCh <-chan bus.TaskResultMessage
	var sub bus.Subscription
	if !isAsync {
		var err error
		resultCh, sub, err = m.bus.ResultSubscribe(ctx, task.ID)
		if err != nil {
			slog.Warn("result subscribe failed, falling back to async semantics", "task", task.ID, "error", err)
			isAsync = true
		} else {
			defer sub.Unsubscribe()
		}
	}

	if err := m.deps.AddTask(task.ID, task.Dependencies); err != nil {
		_ = m.store.DeleteTask(task.ID)
		return SubmitOutcome{}, err
	}

	if isAsync {
		return SubmitOutcome{TaskID: task.ID, Status: status.Kind}, nil
	}

	wait := m.cfg.DefaultResultWait
	if wait <= 0 {
		wait = 30 * time.Second
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case msg := <-resultCh:
		return SubmitOutcome{TaskID: task.ID, Status: msg.Result.Status, Result: &msg.Result}, nil
	case <-timer.C:
		return SubmitOutcome{TaskID: task.ID, Status: model.StatusPending}, nil
	case <-ctx.Done():
		return SubmitOutcome{TaskID: task.ID, Status: model.StatusPending}, nil
	}
}

// GetResult returns the stored terminal result if present, else the task's current status
// (spec §4.6).
func (m *Manager) GetResult(id string) (ResultOutcome, error) {
	if res, ok, err := m.store.GetResult(id); err != nil {
		return ResultOutcome{}, err
	} else if ok {
		return ResultOutcome{Status: res.Status, Result: &res, IsReady: true}, nil
	}
	rec, ok, err := m.store.GetTask(id)
	if err != nil {
		return ResultOutcome{}, err
	}
	if !ok {
		return ResultOutcome{}, model.ErrTaskNotFound
	}
	return ResultOutcome{Status: rec.Status.Kind, IsReady: false}, nil
}

// CancelTask transitions a non-terminal task to Cancelled and publishes a Cancelled event both
// on the lifecycle topic and the task's control topic, so an in-flight worker can observe it
// (spec §4.6, §5). Cancellation returns success even if the task had already terminated
// (spec §7 "user-visible failure behavior").
func (m *Manager) CancelTask(ctx context.Context, id string) (bool, error) {
	rec, ok, err := m.store.GetTask(id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, model.ErrTaskNotFound
	}
	if rec.Status.IsTerminal() {
		return true, nil
	}

	now := time.Now()
	status := model.TaskStatus{Kind: model.StatusCancelled, CancelledAt: now, Reason: "cancelled by client"}
	if err := m.store.UpdateTaskStatus(id, status); err != nil {
		return false, err
	}
	_ = m.sched.RemoveTask(id)

	m.publish(ctx, bus.TopicForEvent(model.EventCancelled), model.Event{
		Kind: model.EventCancelled, TaskID: id, Reason: status.Reason, Timestamp: now,
	})
	m.publish(ctx, bus.ControlTopicForTask(id), model.Event{
		Kind: model.EventCancelled, TaskID: id, Reason: status.Reason, Timestamp: now,
	})
	_ = m.store.StoreResult(model.TaskResult{TaskID: id, Status: model.StatusCancelled, Error: status.Reason})
	m.deps.NotifyTerminal(id, depgraph.OutcomeCancelled)
	return true, nil
}

// releaseToScheduler is the DependencyManager's Releaser callback: the task's dependencies are
// all satisfied (or it never had any), so it is handed to the Scheduler for dispatch.
func (m *Manager) releaseToScheduler(taskID string) {
	rec, ok, err := m.store.GetTask(taskID)
	if err != nil || !ok {
		slog.Error("release: task missing from store", "task", taskID, "error", err)
		return
	}
	if rec.Status.Kind == model.StatusWaitingDependencies {
		if err := m.store.UpdateTaskStatus(taskID, model.TaskStatus{Kind: model.StatusPending}); err != nil {
			slog.Error("release: status transition failed", "task", taskID, "error", err)
			return
		}
	}
	if err := m.sched.AddTask(scheduler.ScheduledTask{Task: rec.Task, Stealable: true}); err != nil {
		slog.Error("release: scheduler add failed", "task", taskID, "error", err)
	}
}

// failDependent is the DependencyManager's Failer callback: a task must transition to Failed
// because a predecessor did not succeed (spec §3 invariant, §4.5, §8 scenario 6).
func (m *Manager) failDependent(taskID, reason string) {
	now := time.Now()
	status := model.TaskStatus{Kind: model.StatusFailed, CompletedAt: now, Reason: reason, Error: reason}
	if err := m.store.UpdateTaskStatus(taskID, status); err != nil {
		slog.Error("dependency failure: status transition failed", "task", taskID, "error", err)
	}
	_ = m.store.StoreResult(model.TaskResult{TaskID: taskID, Status: model.StatusFailed, Error: reason})
	m.publish(context.Background(), bus.TopicForEvent(model.EventFailed), model.Event{
		Kind: model.EventFailed, TaskID: taskID, Error: reason, Reason: reason, Timestamp: now,
	})
	_ = m.bus.ResultPublish(context.Background(), bus.TaskResultMessage{
		Result: model.TaskResult{TaskID: taskID, Status: model.StatusFailed, Error: reason},
	})
}

func (m *Manager) publish(ctx context.Context, topic string, ev model.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if err := m.bus.Publish(ctx, topic, bus.Envelope{ID: uuid.NewString(), Timestamp: time.Now(), Event: ev}); err != nil {
		slog.Warn("publish failed", "topic", topic, "task", ev.TaskID, "error", err)
	}
}
