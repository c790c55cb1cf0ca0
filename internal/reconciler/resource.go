// Package reconciler implements the Reconciler of spec §4.8: it keeps an external orchestrator's
// "task resource" objects (spec §6) in sync with internal task state by driving a Pending ->
// Queued -> Running -> terminal phase machine and reacting to task lifecycle events.
package reconciler

import (
	"time"

	"github.com/swarmguard/taskscheduler/internal/model"
)

// TaskResourcePhase tags the external resource's status.phase (spec §6).
type TaskResourcePhase string

const (
	PhasePending   TaskResourcePhase = "Pending"
	PhaseQueued    TaskResourcePhase = "Queued"
	PhaseRunning   TaskResourcePhase = "Running"
	PhaseSucceeded TaskResourcePhase = "Succeeded"
	PhaseFailed    TaskResourcePhase = "Failed"
	PhaseCancelled TaskResourcePhase = "Cancelled"
)

// IsTerminal reports whether no further phase transition will occur (spec §4.8 "terminal
// phases").
func (p TaskResourcePhase) IsTerminal() bool {
	switch p {
	case PhaseSucceeded, PhaseFailed, PhaseCancelled:
		return true
	default:
		return false
	}
}

// TaskResourceRetryPolicy mirrors spec §6's retryPolicy block.
type TaskResourceRetryPolicy struct {
	MaxRetries            int     `yaml:"maxRetries"`
	BackoffStrategy       string  `yaml:"backoffStrategy"`
	InitialBackoffSeconds float64 `yaml:"initialBackoffSeconds"`
	MaxBackoffSeconds     float64 `yaml:"maxBackoffSeconds"`
	BackoffMultiplier     float64 `yaml:"backoffMultiplier"`
}

// TaskResourceResources mirrors spec §6's resources block; values are passed through unexamined
// (no Non-goal excludes them, but nothing in this repo enforces quotas — see model.ResourceHints).
type TaskResourceResources struct {
	CPURequest    string `yaml:"cpuRequest,omitempty"`
	CPULimit      string `yaml:"cpuLimit,omitempty"`
	MemoryRequest string `yaml:"memoryRequest,omitempty"`
	MemoryLimit   string `yaml:"memoryLimit,omitempty"`
}

// TaskResourcePlugin mirrors spec §6's optional plugin selector block.
type TaskResourcePlugin struct {
	Name      string            `yaml:"name"`
	Version   string            `yaml:"version"`
	ConfigMap string            `yaml:"configMap,omitempty"`
	PVC       string            `yaml:"pvc,omitempty"`
	Config    map[string]string `yaml:"config,omitempty"`
}

// TaskResourceSpec mirrors spec §6's external format "spec:" block exactly.
type TaskResourceSpec struct {
	Method         string                  `yaml:"method"`
	Args           []any                   `yaml:"args,omitempty"`
	Dependencies   []string                `yaml:"dependencies,omitempty"`
	Priority       int                     `yaml:"priority"`
	RetryPolicy    TaskResourceRetryPolicy `yaml:"retryPolicy,omitempty"`
	Resources      TaskResourceResources   `yaml:"resources,omitempty"`
	TimeoutSeconds int                     `yaml:"timeoutSeconds"`
	NodeSelector   map[string]string       `yaml:"nodeSelector,omitempty"`
	Plugin         *TaskResourcePlugin     `yaml:"plugin,omitempty"`
	Metadata       map[string]string       `yaml:"metadata,omitempty"`
}

// TaskResourceMetrics mirrors spec §6's status.metrics block.
type TaskResourceMetrics struct {
	QueueTimeMs     int64    `yaml:"queueTimeMs"`
	ExecutionTimeMs int64    `yaml:"executionTimeMs"`
	CPUUsage        *float64 `yaml:"cpuUsage,omitempty"`
	MemoryUsage     *int64   `yaml:"memoryUsage,omitempty"`
}

// TaskResourceCondition mirrors spec §6's status.conditions entries.
type TaskResourceCondition struct {
	Type               string     `yaml:"type"`
	Status             string     `yaml:"status"`
	LastTransitionTime *time.Time `yaml:"lastTransitionTime,omitempty"`
	Reason             string     `yaml:"reason,omitempty"`
	Message            string     `yaml:"message,omitempty"`
}

// TaskResourceStatus mirrors spec §6's "status:" block. TaskID is additive: the spec's Pending
// phase handler "stamps a reference back" to the internal task, and this is where it lives.
type TaskResourceStatus struct {
	Phase          TaskResourcePhase       `yaml:"phase"`
	Message        string                  `yaml:"message,omitempty"`
	StartTime      *time.Time              `yaml:"startTime,omitempty"`
	CompletionTime *time.Time              `yaml:"completionTime,omitempty"`
	Result         any                     `yaml:"result,omitempty"`
	Error          string                  `yaml:"error,omitempty"`
	RetryCount     int                     `yaml:"retryCount"`
	WorkerNode     string                  `yaml:"workerNode,omitempty"`
	Metrics        TaskResourceMetrics     `yaml:"metrics,omitempty"`
	Conditions     []TaskResourceCondition `yaml:"conditions,omitempty"`
	TaskID         string                  `yaml:"taskID,omitempty"`
}

// TaskResource is the language-agnostic external object spec §6 names. Name is the resource's
// identifier (its filename, sans extension, for the file-backed Client) and is not part of the
// serialized YAML body.
type TaskResource struct {
	Name   string `yaml:"-"`
	Spec   TaskResourceSpec   `yaml:"spec"`
	Status TaskResourceStatus `yaml:"status"`
}

// ToTask builds the internal model.Task spec.submit requires from the resource spec. Args are
// plain JSON values (spec §6 "args: [JSON value]"), decoded via model.FromNative — distinct from
// the Any-encoded RPC argument path the gRPC-shaped server uses.
func (r *TaskResource) ToTask() model.Task {
	args := make([]model.Value, len(r.Spec.Args))
	for i, a := range r.Spec.Args {
		args[i] = model.FromNative(a)
	}
	timeout := r.Spec.TimeoutSeconds
	if timeout <= 0 {
		timeout = 3600
	}
	priority := r.Spec.Priority
	if priority == 0 {
		priority = 50
	}
	task := model.Task{
		Method:         r.Spec.Method,
		Args:           args,
		Dependencies:   r.Spec.Dependencies,
		Priority:       priority,
		TimeoutSeconds: timeout,
		Metadata:       r.Spec.Metadata,
		Schedule:       model.Schedule{Kind: model.ScheduleImmediate},
		RetryPolicy: model.RetryPolicy{
			MaxAttempts:           r.Spec.RetryPolicy.MaxRetries,
			Backoff:               model.BackoffStrategy(r.Spec.RetryPolicy.BackoffStrategy),
			InitialBackoffSeconds: r.Spec.RetryPolicy.InitialBackoffSeconds,
			MaxBackoffSeconds:     r.Spec.RetryPolicy.MaxBackoffSeconds,
			Multiplier:            r.Spec.RetryPolicy.BackoffMultiplier,
		},
		Resources: model.ResourceHints{
			CPURequest:    r.Spec.Resources.CPURequest,
			CPULimit:      r.Spec.Resources.CPULimit,
			MemoryRequest: r.Spec.Resources.MemoryRequest,
			MemoryLimit:   r.Spec.Resources.MemoryLimit,
		},
	}
	if r.Spec.Plugin != nil {
		task.PluginSelector = r.Spec.Plugin.Name
	}
	return task
}
