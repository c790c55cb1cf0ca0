// Package model defines the data model shared by every component: Task, TaskStatus, TaskResult,
// ExecutionHistory, WorkerState, QueuedTask, and Event (spec §3).
package model

import "time"

// ScheduleKind tags the Schedule variant (spec §3 "schedule (tagged variant)").
type ScheduleKind string

const (
	ScheduleImmediate ScheduleKind = "immediate"
	ScheduleAt        ScheduleKind = "at"
	ScheduleDelayed    ScheduleKind = "delayed"
	ScheduleCron       ScheduleKind = "cron"
	ScheduleInterval   ScheduleKind = "interval"
)

// Schedule is the tagged Immediate | At(time) | Delayed(seconds) | Cron(expr, tz) |
// Interval(seconds, start) variant from spec §3. Only the fields relevant to Kind are meaningful.
type Schedule struct {
	Kind ScheduleKind

	At              time.Time  // ScheduleAt
	DelaySeconds    int64      // ScheduleDelayed
	CronExpr        string     // ScheduleCron
	CronTZ          string     // ScheduleCron, optional IANA zone name
	IntervalSeconds int64      // ScheduleInterval
	IntervalStart   *time.Time // ScheduleInterval, optional
}

// BackoffStrategy names mirror resilience.BackoffStrategy; kept as plain strings here so the
// model package has no dependency on resilience.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
)

// RetryPolicy is the task-level retry configuration (spec §3, §9 "Retry semantics").
type RetryPolicy struct {
	MaxAttempts           int
	Backoff               BackoffStrategy
	InitialBackoffSeconds float64
	MaxBackoffSeconds     float64
	Multiplier            float64
}

// ResourceHints carries cpu/memory request & limit strings (spec §3); the scheduler and reconciler
// pass these through without interpreting them — no Non-goal excludes them, but nothing in this
// repo enforces resource quotas (out of scope per spec §1).
type ResourceHints struct {
	CPURequest    string
	CPULimit      string
	MemoryRequest string
	MemoryLimit   string
}

// Task is the core unit of work (spec §3).
type Task struct {
	ID             string
	Method         string
	Args           []Value
	Dependencies   []string
	Priority       int // 0-100, higher = earlier under priority disciplines
	Schedule       Schedule
	RetryPolicy    RetryPolicy
	Resources      ResourceHints
	TimeoutSeconds int
	PluginSelector string
	Metadata       map[string]string
	Active         bool

	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastExecutedAt  *time.Time
	NextExecutionAt *time.Time
}

// StatusKind tags the TaskStatus sum type (spec §3).
type StatusKind string

const (
	StatusPending             StatusKind = "Pending"
	StatusQueued              StatusKind = "Queued"
	StatusWaitingDependencies StatusKind = "WaitingDependencies"
	StatusRunning             StatusKind = "Running"
	StatusSucceeded           StatusKind = "Succeeded"
	StatusFailed              StatusKind = "Failed"
	StatusCancelled           StatusKind = "Cancelled"
)

// TaskStatus is the tagged status sum type. Only fields relevant to Kind are populated.
type TaskStatus struct {
	Kind StatusKind

	WorkerID    string    // Running
	StartedAt   time.Time // Running

	CompletedAt time.Time // Succeeded | Failed
	DurationMs  int64     // Succeeded

	Error   string // Failed
	Retries int    // Failed

	CancelledAt time.Time // Cancelled
	Reason      string    // Failed ("dependency failed" etc) | Cancelled
}

// IsTerminal reports whether no further transition is permitted (spec §3 invariant).
func (s TaskStatus) IsTerminal() bool {
	switch s.Kind {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ExecutionMetrics is the per-execution measurement bundle shared by TaskResult and
// ExecutionHistory entries (spec §3).
type ExecutionMetrics struct {
	QueueMs      int64
	ExecutionMs  int64
	CPUPercent   *float64
	MemoryBytes  *int64
	Retries      int
	WorkerNode   string
}

// TaskResult is the terminal outcome of a task (spec §3).
type TaskResult struct {
	TaskID  string
	Status  StatusKind // one of Succeeded | Failed | Cancelled
	Value   *Value     // success value, opaque JSON-shaped
	Error   string
	Metrics ExecutionMetrics
}

// ExecutionHistory is a per-attempt record (spec §3).
type ExecutionHistory struct {
	TaskID      string
	Attempt     int
	Status      StatusKind
	ExecutedAt  time.Time
	CompletedAt time.Time
	DurationMs  int64
	Error       string
	WorkerID    string
	Metrics     ExecutionMetrics
}

// WorkerState is held by the affinity scheduler (spec §3).
type WorkerState struct {
	WorkerID      string
	Load          float64 // [0,1]
	RunningCount  int
	Labels        map[string]struct{}
	Locality      string
	LastHeartbeat time.Time
}

// QueuedTask is the bus payload (spec §3, §6). Fingerprint for idempotence is TaskID.
type QueuedTask struct {
	TaskID   string
	Method   string
	Args     []Value
	Priority int
}

// EventKind tags the Event sum type (spec §3).
type EventKind string

const (
	EventCreated             EventKind = "Created"
	EventQueued              EventKind = "Queued"
	EventAssigned            EventKind = "Assigned"
	EventStarted             EventKind = "Started"
	EventProgress            EventKind = "Progress"
	EventCompleted           EventKind = "Completed"
	EventFailed              EventKind = "Failed"
	EventRetrying            EventKind = "Retrying"
	EventCancelled           EventKind = "Cancelled"
	EventDependencyCompleted EventKind = "DependencyCompleted"
	EventWorkerHeartbeat     EventKind = "WorkerHeartbeat"
	EventWorkerJoined        EventKind = "WorkerJoined"
	EventWorkerLeft          EventKind = "WorkerLeft"
	EventUnsupportedMethod   EventKind = "UnsupportedMethod"
)

// Event is the tagged pub/sub payload (spec §3, §6). Each kind carries the minimum context its
// consumers need; unused fields for a given Kind are zero.
type Event struct {
	Kind EventKind

	TaskID      string
	WorkerID    string
	Attempt     int
	Error       string
	Reason      string
	Result      *Value
	Timestamp   time.Time

	// worker lifecycle / heartbeat fields
	SupportedMethods []string
	Load             float64
	RunningCount     int
	Capacity         int
	UnfinishedTasks  []string
}
