package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/taskscheduler/internal/model"
)

func immediateTask(id string, priority int) ScheduledTask {
	return ScheduledTask{
		Task: model.Task{
			ID:       id,
			Method:   "echo",
			Priority: priority,
			Schedule: model.Schedule{Kind: model.ScheduleImmediate},
			Active:   true,
		},
	}
}

func TestNextExecutionAtImmediate(t *testing.T) {
	now := time.Now()
	next, err := NextExecutionAt(model.Schedule{Kind: model.ScheduleImmediate}, nil, now)
	require.NoError(t, err)
	require.Equal(t, now, *next)
}

func TestNextExecutionAtDelayed(t *testing.T) {
	now := time.Now()
	next, err := NextExecutionAt(model.Schedule{Kind: model.ScheduleDelayed, DelaySeconds: 10}, nil, now)
	require.NoError(t, err)
	require.Equal(t, now.Add(10*time.Second), *next)
}

func TestNextExecutionAtAtOnlyFirstRun(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	next, err := NextExecutionAt(model.Schedule{Kind: model.ScheduleAt, At: future}, nil, now)
	require.NoError(t, err)
	require.Equal(t, future, *next)

	// already executed once -> no further run
	next2, err := NextExecutionAt(model.Schedule{Kind: model.ScheduleAt, At: future}, &now, now)
	require.NoError(t, err)
	require.Nil(t, next2)
}

func TestNextExecutionAtCron(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := NextExecutionAt(model.Schedule{Kind: model.ScheduleCron, CronExpr: "0 0 * * *"}, nil, now)
	require.NoError(t, err)
	require.True(t, next.After(now))
}

func TestFIFOIgnoresPriorityOrder(t *testing.T) {
	s := NewFIFOScheduler()
	require.NoError(t, s.AddTask(immediateTask("a", 1)))
	require.NoError(t, s.AddTask(immediateTask("b", 99)))

	out := s.GetReadyTasks(10)
	require.Len(t, out, 2)
	require.Equal(t, "a", out[0].Task.ID)
	require.Equal(t, "b", out[1].Task.ID)
}

func TestFIFOAddTaskDuplicateRejected(t *testing.T) {
	s := NewFIFOScheduler()
	require.NoError(t, s.AddTask(immediateTask("a", 1)))
	err := s.AddTask(immediateTask("a", 1))
	require.ErrorIs(t, err, model.ErrAlreadyExists)
}

func TestPriorityOrdersHighestFirst(t *testing.T) {
	s := NewPriorityScheduler()
	require.NoError(t, s.AddTask(immediateTask("low", 1)))
	require.NoError(t, s.AddTask(immediateTask("high", 99)))
	require.NoError(t, s.AddTask(immediateTask("mid", 50)))

	out := s.GetReadyTasks(10)
	require.Len(t, out, 3)
	require.Equal(t, "high", out[0].Task.ID)
	require.Equal(t, "mid", out[1].Task.ID)
	require.Equal(t, "low", out[2].Task.ID)
}

func TestPriorityTiesBrokenByInsertionOrder(t *testing.T) {
	s := NewPriorityScheduler()
	require.NoError(t, s.AddTask(immediateTask("first", 5)))
	require.NoError(t, s.AddTask(immediateTask("second", 5)))

	out := s.GetReadyTasks(10)
	require.Len(t, out, 2)
	require.Equal(t, "first", out[0].Task.ID)
	require.Equal(t, "second", out[1].Task.ID)
}

func TestPriorityMarkExecutedRecurring(t *testing.T) {
	s := NewPriorityScheduler()
	start := time.Now().Add(-time.Second) // first run due at start+interval, i.e. now
	st := ScheduledTask{Task: model.Task{
		ID:       "recurring",
		Method:   "echo",
		Schedule: model.Schedule{Kind: model.ScheduleInterval, IntervalSeconds: 1, IntervalStart: &start},
		Active:   true,
	}}
	require.NoError(t, s.AddTask(st))
	out := s.GetReadyTasks(10)
	require.Len(t, out, 1)
	require.NoError(t, s.MarkExecuted("recurring", true))

	task, ok := s.GetTask("recurring")
	require.True(t, ok)
	require.NotNil(t, task.Task.LastExecutedAt)
	require.NotNil(t, task.Task.NextExecutionAt)
}

func TestDelayedRejectsCron(t *testing.T) {
	s := NewDelayedScheduler()
	err := s.AddTask(ScheduledTask{Task: model.Task{
		ID:       "bad",
		Schedule: model.Schedule{Kind: model.ScheduleCron, CronExpr: "* * * * *"},
	}})
	require.Error(t, err)
	var merr *model.Error
	require.ErrorAs(t, err, &merr)
	require.Equal(t, model.ErrKindInvalidSchedule, merr.Kind)
}

func TestDelayedRemoveIsTombstonedNotSurgered(t *testing.T) {
	s := NewDelayedScheduler()
	require.NoError(t, s.AddTask(immediateTask("a", 0)))
	require.NoError(t, s.RemoveTask("a"))

	out := s.GetReadyTasks(10)
	require.Empty(t, out)
}

func TestDelayedOneShotLeavesNextExecutionNil(t *testing.T) {
	s := NewDelayedScheduler()
	require.NoError(t, s.AddTask(immediateTask("a", 0)))
	out := s.GetReadyTasks(10)
	require.Len(t, out, 1)
	require.NoError(t, s.MarkExecuted("a", true))

	task, ok := s.GetTask("a")
	require.True(t, ok)
	require.Nil(t, task.Task.NextExecutionAt)
}

func TestFairGivesMoreSlotsToHigherPriorityBand(t *testing.T) {
	s := NewFairScheduler()
	for i := 0; i < 4; i++ {
		require.NoError(t, s.AddTask(immediateTask("low"+string(rune('a'+i)), 0)))
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, s.AddTask(immediateTask("high"+string(rune('a'+i)), 9)))
	}

	out := s.GetReadyTasks(8)
	require.Len(t, out, 8)

	highCount, lowCount := 0, 0
	for _, st := range out[:4] {
		if st.Task.Priority == 9 {
			highCount++
		} else {
			lowCount++
		}
	}
	require.Greater(t, highCount, lowCount)
}

func TestFairEveryNonEmptyBandGetsASlot(t *testing.T) {
	s := NewFairScheduler()
	require.NoError(t, s.AddTask(immediateTask("low", 0)))
	require.NoError(t, s.AddTask(immediateTask("high", 9)))

	out := s.GetReadyTasks(2)
	require.Len(t, out, 2)
	ids := map[string]bool{out[0].Task.ID: true, out[1].Task.ID: true}
	require.True(t, ids["low"])
	require.True(t, ids["high"])
}

func TestAffinityRequireWorkersHardFilter(t *testing.T) {
	s := NewAffinityScheduler(0.8, 0.3, time.Minute)
	s.UpdateWorkerHeartbeat(model.WorkerState{WorkerID: "w1", LastHeartbeat: time.Now()})

	st := immediateTask("needs-w2", 0)
	st.Affinity = Affinity{Kind: AffinityRequireWorkers, Workers: map[string]struct{}{"w2": {}}}
	require.NoError(t, s.AddTask(st))

	out := s.GetReadyTasks(10)
	require.Empty(t, out, "task should stay pending with no w2 registered")

	s.UpdateWorkerHeartbeat(model.WorkerState{WorkerID: "w2", LastHeartbeat: time.Now()})
	out = s.GetReadyTasks(10)
	require.Len(t, out, 1)
	require.Equal(t, "needs-w2", out[0].Task.ID)
}

func TestAffinityPrefersLowerLoadWorker(t *testing.T) {
	s := NewAffinityScheduler(0.8, 0.3, time.Minute)
	s.UpdateWorkerHeartbeat(model.WorkerState{WorkerID: "busy", Load: 0.9, LastHeartbeat: time.Now()})
	s.UpdateWorkerHeartbeat(model.WorkerState{WorkerID: "idle", Load: 0.1, LastHeartbeat: time.Now()})

	require.NoError(t, s.AddTask(immediateTask("t1", 0)))
	_ = s.GetReadyTasks(0) // places t1 without dispatching it
	require.Equal(t, []string{"t1"}, s.assigned["idle"])
	out := s.GetReadyTasks(1)
	require.Len(t, out, 1)
}

func TestAffinityWorkerTimeoutReleasesAssignedTasks(t *testing.T) {
	s := NewAffinityScheduler(0.8, 0.3, 10*time.Millisecond)
	s.UpdateWorkerHeartbeat(model.WorkerState{WorkerID: "w1", LastHeartbeat: time.Now()})
	require.NoError(t, s.AddTask(immediateTask("t1", 0)))

	out := s.GetReadyTasks(10)
	require.Len(t, out, 1)

	// t1 was dispatched already in this call (limit wasn't exceeded), so simulate the
	// assigned-but-not-dispatched case directly with a tight limit and a second task.
	require.NoError(t, s.AddTask(immediateTask("t2", 0)))
	s.UpdateWorkerHeartbeat(model.WorkerState{WorkerID: "w1", LastHeartbeat: time.Now()})
	_ = s.GetReadyTasks(0) // places t2 onto w1's queue without dispatching it

	time.Sleep(20 * time.Millisecond) // let w1's heartbeat go stale
	stats := s.GetStatistics()
	require.GreaterOrEqual(t, stats.TotalTasks, 1)

	s.UpdateWorkerHeartbeat(model.WorkerState{WorkerID: "w2", LastHeartbeat: time.Now()})
	out = s.GetReadyTasks(10)
	require.Len(t, out, 1, "t2 should be released from stale w1 and placed on w2")
	require.Equal(t, "t2", out[0].Task.ID)
}

func TestPauseResumeExcludesFromReady(t *testing.T) {
	s := NewPriorityScheduler()
	require.NoError(t, s.AddTask(immediateTask("a", 1)))
	require.NoError(t, s.PauseTask("a"))
	require.Empty(t, s.GetReadyTasks(10))

	require.NoError(t, s.ResumeTask("a"))
	require.Len(t, s.GetReadyTasks(10), 1)
}

func TestMarkExecutedUnknownTaskNotFound(t *testing.T) {
	s := NewFIFOScheduler()
	err := s.MarkExecuted("missing", true)
	require.ErrorIs(t, err, model.ErrTaskNotFound)
}
