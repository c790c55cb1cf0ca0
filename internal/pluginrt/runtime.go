// Package pluginrt implements the PluginRuntime of spec §4.3: sync/async task-function
// registries, bounded execution with timeouts, and dynamic (shared-library) plugin loading.
package pluginrt

import (
	"context"
	"fmt"
	"log/slog"
	"plugin"
	"sync"
	"time"

	"github.com/swarmguard/taskscheduler/internal/model"
)

// SyncFunc is a synchronous task function, run on the bounded blocking thread pool (spec §4.3).
type SyncFunc func(ctx context.Context, args []model.Value) (model.Value, error)

// AsyncFunc is an asynchronous task function, awaited cooperatively with a timeout.
type AsyncFunc func(ctx context.Context, args []model.Value) (model.Value, error)

// PluginEvent mirrors the original Rust registry's lifecycle events (task-plugins/src/registry.rs),
// supplemented into this repo per SPEC_FULL.md since it costs nothing against any Non-goal and
// gives the Worker's logging something concrete to attach to.
type PluginEvent struct {
	Kind       string // Loading|Initializing|Initialized|Loaded|Executing|Executed|Error|Shutting|Shutdown
	PluginName string
	TaskID     string
	Success    bool
	Err        error
}

type syncEntry struct {
	fn     SyncFunc
	origin string
}

type asyncEntry struct {
	fn     AsyncFunc
	origin string
}

// Runtime is the PluginRuntime. Registries use a RWMutex for lock-free-ish reads and short
// locked writes (spec §5 "Plugin registries use concurrent maps").
type Runtime struct {
	mu       sync.RWMutex
	syncReg  map[string]syncEntry
	asyncReg map[string]asyncEntry

	handlesMu sync.Mutex
	handles   map[string]*plugin.Plugin // plugin_name -> loaded shared-object handle

	sem chan struct{} // bounded blocking thread pool for sync execution

	onEvent func(PluginEvent)
}

// New constructs a Runtime whose sync executions are capped at maxBlockingWorkers concurrent
// in-flight calls, the same fixed-capacity channel-as-semaphore technique the teacher's
// dag_engine.go worker pool uses (there expressed as N goroutines draining a channel; here as a
// semaphore since each Execute call is a single point-to-point request rather than a batch).
func New(maxBlockingWorkers int) *Runtime {
	if maxBlockingWorkers <= 0 {
		maxBlockingWorkers = 32
	}
	r := &Runtime{
		syncReg:  make(map[string]syncEntry),
		asyncReg: make(map[string]asyncEntry),
		handles:  make(map[string]*plugin.Plugin),
		sem:      make(chan struct{}, maxBlockingWorkers),
	}
	registerBuiltins(r)
	return r
}

// OnEvent installs the optional lifecycle-event callback.
func (r *Runtime) OnEvent(fn func(PluginEvent)) { r.onEvent = fn }

func (r *Runtime) emit(ev PluginEvent) {
	if r.onEvent != nil {
		r.onEvent(ev)
	}
}

// RegisterSync registers a synchronous task function. Duplicate names log a warning and
// overwrite (spec §4.3).
func (r *Runtime) RegisterSync(name string, fn SyncFunc, pluginOrigin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.syncReg[name]; exists {
		slog.Warn("overwriting existing sync task function", "method", name)
	}
	r.syncReg[name] = syncEntry{fn: fn, origin: pluginOrigin}
}

// RegisterAsync registers an asynchronous task function. Duplicate names log a warning and
// overwrite (spec §4.3).
func (r *Runtime) RegisterAsync(name string, fn AsyncFunc, pluginOrigin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.asyncReg[name]; exists {
		slog.Warn("overwriting existing async task function", "method", name)
	}
	r.asyncReg[name] = asyncEntry{fn: fn, origin: pluginOrigin}
}

// Execute resolves method and runs it under the given timeout (spec §4.3):
//  1. resolve method; MethodNotFound if absent
//  2. sync: run on the bounded blocking pool; any panic is recovered and reported as ExecutionFailed
//  3. async: await with timeout; on expiry return Timeout(seconds)
func (r *Runtime) Execute(ctx context.Context, method string, args []model.Value, timeout time.Duration) (model.Value, error) {
	r.mu.RLock()
	sEntry, isSync := r.syncReg[method]
	aEntry, isAsync := r.asyncReg[method]
	r.mu.RUnlock()

	if !isSync && !isAsync {
		r.emit(PluginEvent{Kind: "Error", PluginName: method, Err: model.ErrMethodNotFound})
		return model.Value{}, model.WrapError(model.ErrKindMethodNotFound, method, nil)
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.emit(PluginEvent{Kind: "Executing", PluginName: method})

	var (
		v   model.Value
		err error
	)
	if isSync {
		v, err = r.executeSync(execCtx, sEntry.fn, args)
	} else {
		v, err = r.executeAsync(execCtx, aEntry.fn, args, timeout)
	}

	r.emit(PluginEvent{Kind: "Executed", PluginName: method, Success: err == nil, Err: err})
	return v, err
}

func (r *Runtime) executeSync(ctx context.Context, fn SyncFunc, args []model.Value) (v model.Value, err error) {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return model.Value{}, model.WrapError(model.ErrKindTimeout, "blocking pool saturated", ctx.Err())
	}
	defer func() { <-r.sem }()

	type outcome struct {
		v   model.Value
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: model.NewError(model.ErrKindExecutionFailed, fmt.Sprintf("panic: %v", p))}
			}
		}()
		val, fnErr := fn(ctx, args)
		done <- outcome{v: val, err: fnErr}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return model.Value{}, model.WrapError(model.ErrKindExecutionFailed, "sync task failed", o.err)
		}
		return o.v, nil
	case <-ctx.Done():
		return model.Value{}, model.NewError(model.ErrKindTimeout, ctx.Err().Error())
	}
}

func (r *Runtime) executeAsync(ctx context.Context, fn AsyncFunc, args []model.Value, timeout time.Duration) (model.Value, error) {
	type outcome struct {
		v   model.Value
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		val, err := fn(ctx, args)
		done <- outcome{v: val, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return model.Value{}, model.NewError(model.ErrKindTimeout, fmt.Sprintf("%v", timeout))
			}
			return model.Value{}, model.WrapError(model.ErrKindExecutionFailed, "async task failed", o.err)
		}
		return o.v, nil
	case <-ctx.Done():
		return model.Value{}, model.NewError(model.ErrKindTimeout, fmt.Sprintf("%v", timeout))
	}
}

// MethodInfo describes a registered method (spec §4.3 task_info).
type MethodInfo struct {
	Name   string
	Async  bool
	Origin string
}

// ListMethods returns every registered method name across both registries.
func (r *Runtime) ListMethods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.syncReg)+len(r.asyncReg))
	for name := range r.syncReg {
		out = append(out, name)
	}
	for name := range r.asyncReg {
		out = append(out, name)
	}
	return out
}

// TaskInfo describes the registered method, or ok=false if unknown.
func (r *Runtime) TaskInfo(name string) (MethodInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.syncReg[name]; ok {
		return MethodInfo{Name: name, Async: false, Origin: e.origin}, true
	}
	if e, ok := r.asyncReg[name]; ok {
		return MethodInfo{Name: name, Async: true, Origin: e.origin}, true
	}
	return MethodInfo{}, false
}
