// Package worker implements the Worker of spec §4.7: pulls tasks from the Bus queue, invokes the
// PluginRuntime, and publishes events and results. A Worker owns no persistent state — its
// in-flight set is rebuildable from the bus (spec §3 "Ownership").
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/swarmguard/taskscheduler/internal/bus"
	"github.com/swarmguard/taskscheduler/internal/model"
	"github.com/swarmguard/taskscheduler/internal/pluginrt"
)

// Config tunes a Worker's behavior (spec §4.7, §6 CLI surfaces and environment variables).
type Config struct {
	WorkerID           string // defaults to hostname-pid
	MaxConcurrentTasks int
	FetchBatchSize     int
	FetchWait          time.Duration
	HeartbeatInterval  time.Duration
	DefaultTimeout     time.Duration // applied to every execution; a QueuedTask carries no timeout of its own
}

// DefaultConfig matches spec §4.7's stated defaults (heartbeat every 5s) and reasonable
// throughput defaults for the rest.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks: 8,
		FetchBatchSize:     8,
		FetchWait:          2 * time.Second,
		HeartbeatInterval:  5 * time.Second,
		DefaultTimeout:     30 * time.Second,
	}
}

// Worker is the spec §4.7 component.
type Worker struct {
	id      string
	bus     bus.Bus
	runtime *pluginrt.Runtime
	cfg     Config

	sem chan struct{}

	mu        sync.Mutex
	inFlight  map[string]context.CancelFunc
	running   int

	wg sync.WaitGroup
}

// New constructs a Worker. If cfg.WorkerID is empty, identity defaults to "hostname-pid"
// (spec §4.7).
func New(b bus.Bus, runtime *pluginrt.Runtime, cfg Config) *Worker {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 8
	}
	if cfg.FetchBatchSize <= 0 {
		cfg.FetchBatchSize = cfg.MaxConcurrentTasks
	}
	if cfg.WorkerID == "" {
		host, _ := os.Hostname()
		cfg.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return &Worker{
		id:       cfg.WorkerID,
		bus:      b,
		runtime:  runtime,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.MaxConcurrentTasks),
		inFlight: make(map[string]context.CancelFunc),
	}
}

// Run is the Worker's main loop (spec §4.7): register, fetch/dispatch/heartbeat until ctx is
// cancelled, then drain in-flight work and publish WorkerLeft.
func (w *Worker) Run(ctx context.Context) error {
	w.announceJoin(ctx)

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	go w.heartbeatLoop(heartbeatCtx)

	for {
		select {
		case <-ctx.Done():
			stopHeartbeat()
			w.drain()
			w.announceLeave(context.Background())
			return nil
		default:
		}

		fetched, err := w.bus.Fetch(ctx, bus.QueueTasks, w.id, w.cfg.FetchBatchSize, w.cfg.FetchWait, 0)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			slog.Error("fetch failed", "worker", w.id, "error", err)
			time.Sleep(time.Second)
			continue
		}
		for _, ft := range fetched {
			w.dispatch(ctx, ft)
		}
	}
}

// dispatch blocks until a concurrency slot is free (spec §4.7 "backpressure surface against the
// bus"), then spawns the bounded execution goroutine.
func (w *Worker) dispatch(ctx context.Context, ft bus.FetchedTask) {
	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	w.mu.Lock()
	w.inFlight[ft.Task.TaskID] = cancel
	w.running++
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer cancel()
		defer func() { <-w.sem }()
		defer func() {
			w.mu.Lock()
			delete(w.inFlight, ft.Task.TaskID)
			w.running--
			w.mu.Unlock()
		}()
		w.execute(taskCtx, ft)
	}()
}

func (w *Worker) execute(ctx context.Context, ft bus.FetchedTask) {
	taskID := ft.Task.TaskID
	now := time.Now()

	controlSub, err := w.bus.Subscribe(ctx, bus.ControlTopicForTask(taskID), func(_ context.Context, env bus.Envelope) {
		if env.Event.Kind == model.EventCancelled {
			w.mu.Lock()
			if cancel, ok := w.inFlight[taskID]; ok {
				cancel()
			}
			w.mu.Unlock()
		}
	})
	if err == nil {
		defer controlSub.Unsubscribe()
	}

	w.publish(ctx, model.EventAssigned, model.Event{TaskID: taskID, WorkerID: w.id})
	w.publish(ctx, model.EventStarted, model.Event{TaskID: taskID, WorkerID: w.id, Timestamp: now})

	timeout := w.cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	val, execErr := w.runtime.Execute(ctx, ft.Task.Method, ft.Task.Args, timeout)
	duration := time.Since(now)

	if execErr != nil {
		kind := model.ErrKindExecutionFailed
		if e, ok := execErr.(*model.Error); ok {
			kind = e.Kind
		}
		if kind == model.ErrKindMethodNotFound {
			w.publish(ctx, model.EventUnsupportedMethod, model.Event{TaskID: taskID, WorkerID: w.id, Error: execErr.Error()})
		} else if isCancelled(ctx) {
			w.publish(ctx, model.EventCancelled, model.Event{TaskID: taskID, WorkerID: w.id, Reason: "worker observed cancellation"})
		} else {
			w.publish(ctx, model.EventFailed, model.Event{TaskID: taskID, WorkerID: w.id, Error: execErr.Error()})
		}
		_ = ft.Ack()
		return
	}

	w.publish(ctx, model.EventCompleted, model.Event{
		TaskID: taskID, WorkerID: w.id, Result: &val, Timestamp: time.Now(),
	})
	_ = ft.Ack()
	_ = duration
}

func isCancelled(ctx context.Context) bool {
	return ctx.Err() == context.Canceled
}

func (w *Worker) publish(ctx context.Context, kind model.EventKind, ev model.Event) {
	ev.Kind = kind
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if err := w.bus.Publish(context.Background(), bus.TopicForEvent(kind), bus.Envelope{Event: ev}); err != nil {
		slog.Warn("worker: publish failed", "kind", kind, "task", ev.TaskID, "error", err)
	}
}

func (w *Worker) announceJoin(ctx context.Context) {
	w.publish(ctx, model.EventWorkerJoined, model.Event{
		WorkerID:         w.id,
		SupportedMethods: w.runtime.ListMethods(),
		Capacity:         w.cfg.MaxConcurrentTasks,
	})
}

func (w *Worker) announceLeave(ctx context.Context) {
	w.mu.Lock()
	unfinished := make([]string, 0, len(w.inFlight))
	for id := range w.inFlight {
		unfinished = append(unfinished, id)
	}
	w.mu.Unlock()
	w.publish(ctx, model.EventWorkerLeft, model.Event{WorkerID: w.id, UnfinishedTasks: unfinished})
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	interval := w.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			running := w.running
			w.mu.Unlock()
			load := float64(running) / float64(w.cfg.MaxConcurrentTasks)
			w.publish(ctx, model.EventWorkerHeartbeat, model.Event{
				WorkerID: w.id, Load: load, RunningCount: running, Capacity: w.cfg.MaxConcurrentTasks,
			})
		}
	}
}

// drain waits up to 30 seconds for every in-flight execution to finish (spec §4.7 "Shutdown:
// drain current tasks"). Executions run under their own contexts, not Run's ctx, so shutdown does
// not interrupt them; only a control-topic Cancelled event cancels one.
func (w *Worker) drain() {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		slog.Warn("worker: drain timed out, shutting down with in-flight tasks", "worker", w.id)
	}
}
