// Package scheduler implements the five scheduling disciplines of spec §4.4 behind one Scheduler
// interface: FIFO, Priority, Delayed, Fair (weighted fair-share), and Affinity+WorkStealing.
package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/swarmguard/taskscheduler/internal/model"
)

// AffinityKind tags the per-task placement preference the Affinity discipline reads (spec §4.4).
type AffinityKind string

const (
	AffinityNone            AffinityKind = "none"
	AffinityRequireWorkers  AffinityKind = "require"
	AffinityPreferWorkers   AffinityKind = "prefer"
)

// Affinity is a task's placement preference, meaningful only to the Affinity+WorkStealing
// discipline; every other discipline ignores it.
type Affinity struct {
	Kind    AffinityKind
	Workers map[string]struct{}
}

// ScheduledTask is the record every discipline's add_task accepts: a Task plus the
// affinity/resource metadata spec §4.4 adds for the Affinity+WorkStealing discipline.
type ScheduledTask struct {
	Task          model.Task
	Affinity      Affinity
	ResourceUsage float64 // [0,1], hint only
	Stealable     bool
	Locality      string
}

// Statistics is the get_statistics() result (spec §4.4). TasksByScheduleType is populated by
// every discipline; the Fair discipline additionally requires it per spec.
type Statistics struct {
	TotalTasks          int
	ReadyTasks          int
	WaitingTasks         int
	PausedTasks          int
	TasksByScheduleType map[model.ScheduleKind]int
}

// Scheduler is the one trait spec §4.4 describes, with five implementations.
type Scheduler interface {
	AddTask(t ScheduledTask) error
	RemoveTask(id string) error
	GetTask(id string) (ScheduledTask, bool)
	ListTasks() []ScheduledTask
	GetReadyTasks(limit int) []ScheduledTask
	MarkExecuted(id string, success bool) error
	UpdateSchedule(id string, sched model.Schedule) error
	PauseTask(id string) error
	ResumeTask(id string) error
	GetStatistics() Statistics
}

// NextExecutionAt implements the shared algorithm of spec §4.4: "Shared algorithm for
// next_execution_at from (schedule, last_executed)". now is passed in (rather than read from
// time.Now()) so disciplines can be tested deterministically.
func NextExecutionAt(sched model.Schedule, lastExecuted *time.Time, now time.Time) (*time.Time, error) {
	switch sched.Kind {
	case model.ScheduleImmediate:
		t := now
		return &t, nil

	case model.ScheduleAt:
		if lastExecuted != nil {
			return nil, nil
		}
		if sched.At.After(now) {
			t := sched.At
			return &t, nil
		}
		return nil, nil

	case model.ScheduleDelayed:
		base := now
		if lastExecuted != nil {
			base = *lastExecuted
		}
		t := base.Add(time.Duration(sched.DelaySeconds) * time.Second)
		return &t, nil

	case model.ScheduleCron:
		base := now
		if lastExecuted != nil {
			base = *lastExecuted
		}
		loc := time.UTC
		if sched.CronTZ != "" {
			l, err := time.LoadLocation(sched.CronTZ)
			if err != nil {
				return nil, model.WrapError(model.ErrKindInvalidSchedule, "unknown cron timezone "+sched.CronTZ, err)
			}
			loc = l
		}
		schedule, err := cron.ParseStandard(sched.CronExpr)
		if err != nil {
			return nil, model.WrapError(model.ErrKindInvalidSchedule, "invalid cron expression "+sched.CronExpr, err)
		}
		next := schedule.Next(base.In(loc))
		return &next, nil

	case model.ScheduleInterval:
		base := now
		if lastExecuted != nil {
			base = *lastExecuted
		} else if sched.IntervalStart != nil {
			base = *sched.IntervalStart
		}
		t := base.Add(time.Duration(sched.IntervalSeconds) * time.Second)
		return &t, nil

	default:
		return nil, model.NewError(model.ErrKindInvalidSchedule, "unknown schedule kind")
	}
}

// acceptsOneShot reports whether kind is a one-shot schedule (Immediate/At/Delayed), the only
// kinds the Delayed discipline accepts.
func acceptsOneShot(kind model.ScheduleKind) bool {
	switch kind {
	case model.ScheduleImmediate, model.ScheduleAt, model.ScheduleDelayed:
		return true
	default:
		return false
	}
}
