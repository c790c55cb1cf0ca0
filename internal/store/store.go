// Package store implements the key→record persistence contract of spec §4.2: task records,
// results, and execution history, with an in-memory reference implementation and a pluggable
// bbolt-backed one.
package store

import (
	"time"

	"github.com/swarmguard/taskscheduler/internal/model"
)

// TaskRecord is a Task paired with its current status — the store's unit of storage (spec §4.2
// speaks of TaskInfo/TaskStatus as separate concerns that share one record).
type TaskRecord struct {
	Task   model.Task
	Status model.TaskStatus
}

// ListFilter narrows ListTasks; a nil Status means no filter.
type ListFilter struct {
	Status *model.StatusKind
	Limit  int
	Offset int
}

// Store is the contract every persistence backend implements (spec §4.2).
type Store interface {
	// CreateTask fails with model.ErrAlreadyExists if the identifier is taken.
	CreateTask(rec TaskRecord) error
	GetTask(id string) (TaskRecord, bool, error)

	// UpdateTaskStatus and UpdateTask are last-writer-wins but forbidden from transitioning a
	// terminal status to a non-terminal one (spec §3 invariant, enforced here).
	UpdateTaskStatus(id string, status model.TaskStatus) error
	UpdateTask(rec TaskRecord) error

	StoreResult(result model.TaskResult) error
	GetResult(id string) (model.TaskResult, bool, error)

	// ListTasks returns tasks in deterministic order: higher priority first, then ascending
	// created_at, then ascending identifier (spec §4.2).
	ListTasks(filter ListFilter) ([]TaskRecord, error)

	// GetTasksByDependency returns every task whose dependency list contains predecessorID.
	GetTasksByDependency(predecessorID string) ([]TaskRecord, error)

	DeleteTask(id string) error
	CleanupOldResults(olderThan time.Time) error

	AppendHistory(entry model.ExecutionHistory) error
	ListHistory(taskID string) ([]model.ExecutionHistory, error)

	Close() error
}
