package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/swarmguard/taskscheduler/internal/bus"
	"github.com/swarmguard/taskscheduler/internal/manager"
	"github.com/swarmguard/taskscheduler/internal/model"
)

// ManagerAPI is the slice of *manager.Manager the Reconciler needs; narrowed to an interface so
// tests can substitute a fake (the same seam internal/manager uses for heartbeatAware).
type ManagerAPI interface {
	Submit(ctx context.Context, task model.Task, isAsync bool) (manager.SubmitOutcome, error)
	GetResult(id string) (manager.ResultOutcome, error)
	CancelTask(ctx context.Context, id string) (bool, error)
}

// Config tunes the Reconciler's polling cadence.
type Config struct {
	// PollInterval governs how often the full resource list is re-reconciled (spec §4.8 models a
	// push-based watch; this repo's file-backed Client is polled instead).
	PollInterval time.Duration
}

// DefaultConfig polls every two seconds — frequent enough for tests and small deployments without
// hammering the file-backed Client.
func DefaultConfig() Config {
	return Config{PollInterval: 2 * time.Second}
}

// Reconciler is the spec §4.8 component.
type Reconciler struct {
	client Client
	mgr    ManagerAPI
	bus    bus.Bus
	cfg    Config

	mu         sync.Mutex
	known      map[string]*TaskResource // last-seen resource by name, for deletion detection
	byTaskID   map[string]string        // internal task id -> resource name, for the result listener
	nextAttempt map[string]time.Time    // resource name -> earliest time it may be reconciled again (spec §4.8 requeue policy)
}

// New wires a Reconciler over the given external Client and Manager.
func New(client Client, mgr ManagerAPI, b bus.Bus, cfg Config) *Reconciler {
	if cfg.PollInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Reconciler{
		client:      client,
		mgr:         mgr,
		bus:         b,
		cfg:         cfg,
		known:       make(map[string]*TaskResource),
		byTaskID:    make(map[string]string),
		nextAttempt: make(map[string]time.Time),
	}
}

// Run drives the phase-machine poll loop and the event-driven result listener concurrently until
// ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	sub, err := r.bus.Subscribe(ctx, bus.TopicEventsAll, r.handleTaskEvent)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.reconcileAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.reconcileAll(ctx)
		}
	}
}

func (r *Reconciler) reconcileAll(ctx context.Context) {
	resources, err := r.client.List()
	if err != nil {
		slog.Error("reconciler: list failed", "error", err)
		return
	}

	seen := make(map[string]struct{}, len(resources))
	for _, res := range resources {
		seen[res.Name] = struct{}{}
		r.trackKnown(res)

		r.mu.Lock()
		due, scheduled := r.nextAttempt[res.Name]
		r.mu.Unlock()
		if scheduled && time.Now().Before(due) {
			continue
		}

		if err := r.reconcileOne(ctx, res); err != nil {
			class := ClassUnknown
			var rerr *ReconcileError
			if errors.As(err, &rerr) {
				class = rerr.Class
			}
			delay := RequeueDelay(class)
			r.mu.Lock()
			r.nextAttempt[res.Name] = time.Now().Add(delay)
			r.mu.Unlock()
			slog.Warn("reconcile failed, requeuing", "resource", res.Name, "class", class, "delay", delay, "error", err)
			continue
		}
		r.mu.Lock()
		delete(r.nextAttempt, res.Name)
		r.mu.Unlock()
	}

	r.mu.Lock()
	var removed []*TaskResource
	for name, res := range r.known {
		if _, ok := seen[name]; !ok {
			removed = append(removed, res)
			delete(r.known, name)
		}
	}
	r.mu.Unlock()
	for _, res := range removed {
		r.handleDeleted(ctx, res)
	}
}

func (r *Reconciler) trackKnown(res *TaskResource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.known[res.Name] = res
	if res.Status.TaskID != "" && !res.Status.Phase.IsTerminal() {
		r.byTaskID[res.Status.TaskID] = res.Name
	}
}

// reconcileOne drives one step of the phase machine (spec §4.8).
func (r *Reconciler) reconcileOne(ctx context.Context, res *TaskResource) error {
	switch res.Status.Phase {
	case "", PhasePending:
		return r.reconcilePending(ctx, res)
	case PhaseQueued:
		return r.reconcileQueued(ctx, res)
	case PhaseRunning:
		return r.reconcileRunning(ctx, res)
	case PhaseSucceeded, PhaseFailed, PhaseCancelled:
		return nil
	default:
		return r.reconcilePending(ctx, res)
	}
}

// reconcilePending validates the spec, resolves "@<resource>" argument substitutions (spec §9
// open question, settled here: scalar-only, resolved against a named predecessor *resource*'s
// completed result — see resolveArgSubstitutions), submits to the Manager, and stamps the phase
// forward to Queued with a reference to the internal task (spec §4.8 "Phase Pending").
func (r *Reconciler) reconcilePending(ctx context.Context, res *TaskResource) error {
	if res.Spec.Method == "" {
		status := res.Status
		status.Phase = PhaseFailed
		status.Error = "spec.method is required"
		status.Message = "validation failed"
		if err := r.client.UpdateStatus(res.Name, status); err != nil {
			slog.Error("reconciler: status update failed", "resource", res.Name, "error", err)
		}
		return newReconcileError(ClassPermanent, model.NewError(model.ErrKindInvalidArguments, "spec.method is required"))
	}

	resolvedArgs, ready, err := r.resolveArgSubstitutions(res)
	if err != nil {
		return newReconcileError(ClassPermanent, err)
	}
	if !ready {
		// A "@<resource>" placeholder names a predecessor that hasn't succeeded yet; stay
		// Pending and retry on the next poll rather than submitting a task with an unresolved
		// argument.
		return nil
	}

	task := res.ToTask()
	task.Args = resolvedArgs

	out, err := r.mgr.Submit(ctx, task, true)
	if err != nil {
		return newReconcileError(classify(err), err)
	}

	status := res.Status
	status.Phase = PhaseQueued
	status.Message = "submitted"
	status.TaskID = out.TaskID
	if err := r.client.UpdateStatus(res.Name, status); err != nil {
		return newReconcileError(ClassUnknown, err)
	}
	r.mu.Lock()
	r.byTaskID[out.TaskID] = res.Name
	r.mu.Unlock()
	return nil
}

// resolveArgSubstitutions implements the "@<task_id>" convention spec §9 leaves open: here, a
// string argument that is exactly "@<name>" is resolved against another TaskResource named
// <name> and replaced with that resource's terminal scalar result (spec §8 scenario 2 describes
// this as reconciler-only behavior; the raw RPC path in internal/manager never substitutes).
// Only scalar results (string/number/bool) are substituted, matching this resource format's
// JSON-value args; a list/map result is passed through as-is since there is no slot shape to
// flatten it into. ready is false while any referenced resource hasn't reached PhaseSucceeded
// yet, in which case the caller must defer submission rather than pass the literal "@name".
func (r *Reconciler) resolveArgSubstitutions(res *TaskResource) ([]model.Value, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.Value, len(res.Spec.Args))
	for i, raw := range res.Spec.Args {
		s, ok := raw.(string)
		if !ok || len(s) < 2 || s[0] != '@' {
			out[i] = model.FromNative(raw)
			continue
		}
		name := s[1:]
		pred, known := r.known[name]
		if !known {
			return nil, false, model.NewError(model.ErrKindInvalidConfig, "unknown task reference in args: "+s)
		}
		switch pred.Status.Phase {
		case PhaseSucceeded:
			out[i] = model.FromNative(pred.Status.Result)
		case PhaseFailed, PhaseCancelled:
			return nil, false, model.NewError(model.ErrKindDependencyFailed, "referenced task did not succeed: "+name)
		default:
			return nil, false, nil
		}
	}
	return out, true, nil
}

// reconcileQueued waits for a worker pickup event; on observed Running it advances the phase
// (spec §4.8 "Phase Queued").
func (r *Reconciler) reconcileQueued(ctx context.Context, res *TaskResource) error {
	if res.Status.TaskID == "" {
		return r.reconcilePending(ctx, res)
	}
	out, err := r.mgr.GetResult(res.Status.TaskID)
	if err != nil {
		return newReconcileError(classify(err), err)
	}
	if out.Status != model.StatusRunning {
		return nil
	}
	now := time.Now()
	status := res.Status
	status.Phase = PhaseRunning
	status.StartTime = &now
	return r.client.UpdateStatus(res.Name, status)
}

// reconcileRunning waits for a terminal result and patches the external status (spec §4.8 "Phase
// Running").
func (r *Reconciler) reconcileRunning(ctx context.Context, res *TaskResource) error {
	if res.Status.TaskID == "" {
		return nil
	}
	out, err := r.mgr.GetResult(res.Status.TaskID)
	if err != nil {
		return newReconcileError(classify(err), err)
	}
	if !out.IsReady {
		return nil
	}
	return r.patchTerminal(res, out.Result)
}

func (r *Reconciler) patchTerminal(res *TaskResource, result *model.TaskResult) error {
	now := time.Now()
	status := res.Status
	status.CompletionTime = &now
	switch result.Status {
	case model.StatusSucceeded:
		status.Phase = PhaseSucceeded
		if result.Value != nil {
			status.Result = result.Value.Native()
		}
	case model.StatusFailed:
		status.Phase = PhaseFailed
		status.Error = result.Error
	case model.StatusCancelled:
		status.Phase = PhaseCancelled
		status.Error = result.Error
	default:
		return nil
	}
	status.RetryCount = result.Metrics.Retries
	status.WorkerNode = result.Metrics.WorkerNode
	status.Metrics = TaskResourceMetrics{
		QueueTimeMs:     result.Metrics.QueueMs,
		ExecutionTimeMs: result.Metrics.ExecutionMs,
	}
	if err := r.client.UpdateStatus(res.Name, status); err != nil {
		return newReconcileError(ClassUnknown, err)
	}
	r.mu.Lock()
	delete(r.byTaskID, res.Status.TaskID)
	r.mu.Unlock()
	return nil
}

// handleDeleted implements spec §4.8's finalizer semantics: a non-terminal resource that
// disappeared from the external listing is cancelled and given a bounded wait for confirmation;
// a terminal one needs no further action.
func (r *Reconciler) handleDeleted(ctx context.Context, res *TaskResource) {
	r.mu.Lock()
	delete(r.byTaskID, res.Status.TaskID)
	delete(r.nextAttempt, res.Name)
	r.mu.Unlock()

	if res.Status.Phase.IsTerminal() || res.Status.TaskID == "" {
		return
	}
	if _, err := r.mgr.CancelTask(ctx, res.Status.TaskID); err != nil {
		slog.Warn("reconciler: cancel on deletion failed", "resource", res.Name, "task", res.Status.TaskID, "error", err)
		return
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		out, err := r.mgr.GetResult(res.Status.TaskID)
		if err == nil && out.IsReady {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	slog.Warn("reconciler: deletion cancellation not confirmed within wait budget", "resource", res.Name, "task", res.Status.TaskID)
}

// handleTaskEvent is the result listener (spec §4.8): an independent subscription on the task
// lifecycle stream that patches external status for matching resources without waiting for the
// next poll cycle.
func (r *Reconciler) handleTaskEvent(ctx context.Context, env bus.Envelope) {
	ev := env.Event
	if ev.Kind != model.EventCompleted && ev.Kind != model.EventFailed && ev.Kind != model.EventCancelled {
		return
	}
	r.mu.Lock()
	name, ok := r.byTaskID[ev.TaskID]
	var res *TaskResource
	if ok {
		res = r.known[name]
	}
	r.mu.Unlock()
	if !ok || res == nil {
		return
	}

	out, err := r.mgr.GetResult(ev.TaskID)
	if err != nil || !out.IsReady {
		return
	}
	if err := r.patchTerminal(res, out.Result); err != nil {
		slog.Warn("reconciler: result listener patch failed", "resource", name, "error", err)
	}
}
