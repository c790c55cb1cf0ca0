package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/taskscheduler/internal/model"
)

func rec(id string, priority int, createdAt time.Time) TaskRecord {
	return TaskRecord{
		Task:   model.Task{ID: id, Priority: priority, CreatedAt: createdAt, Active: true},
		Status: model.TaskStatus{Kind: model.StatusPending},
	}
}

func TestCreateTaskDuplicateIsAlreadyExists(t *testing.T) {
	s := NewMemoryStore(10)
	require.NoError(t, s.CreateTask(rec("t1", 50, time.Now())))
	err := s.CreateTask(rec("t1", 50, time.Now()))
	require.Error(t, err)
	var merr *model.Error
	require.ErrorAs(t, err, &merr)
	require.Equal(t, model.ErrKindAlreadyExists, merr.Kind)
}

func TestUpdateTaskStatusForbidsLeavingTerminal(t *testing.T) {
	s := NewMemoryStore(10)
	require.NoError(t, s.CreateTask(rec("t1", 50, time.Now())))
	require.NoError(t, s.UpdateTaskStatus("t1", model.TaskStatus{Kind: model.StatusSucceeded}))

	err := s.UpdateTaskStatus("t1", model.TaskStatus{Kind: model.StatusPending})
	require.Error(t, err)

	got, ok, err := s.GetTask("t1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.StatusSucceeded, got.Status.Kind)
}

func TestListTasksDeterministicOrder(t *testing.T) {
	s := NewMemoryStore(10)
	base := time.Now()
	require.NoError(t, s.CreateTask(rec("low", 10, base)))
	require.NoError(t, s.CreateTask(rec("high-later", 90, base.Add(time.Second))))
	require.NoError(t, s.CreateTask(rec("high-earlier", 90, base)))

	out, err := s.ListTasks(ListFilter{})
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, "high-earlier", out[0].Task.ID)
	require.Equal(t, "high-later", out[1].Task.ID)
	require.Equal(t, "low", out[2].Task.ID)
}

func TestGetTasksByDependency(t *testing.T) {
	s := NewMemoryStore(10)
	a := rec("A", 50, time.Now())
	b := rec("B", 50, time.Now())
	b.Task.Dependencies = []string{"A"}
	require.NoError(t, s.CreateTask(a))
	require.NoError(t, s.CreateTask(b))

	deps, err := s.GetTasksByDependency("A")
	require.NoError(t, err)
	require.Len(t, deps, 1)
	require.Equal(t, "B", deps[0].Task.ID)
}

func TestStoreResultAndCacheInvalidationOnUpdate(t *testing.T) {
	s := NewMemoryStore(10)
	require.NoError(t, s.CreateTask(rec("t1", 50, time.Now())))
	_, _, _ = s.GetTask("t1") // warm cache

	updated := rec("t1", 99, time.Now())
	updated.Status = model.TaskStatus{Kind: model.StatusQueued}
	require.NoError(t, s.UpdateTask(updated))

	got, ok, err := s.GetTask("t1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 99, got.Task.Priority)
	require.Equal(t, model.StatusQueued, got.Status.Kind)
}
