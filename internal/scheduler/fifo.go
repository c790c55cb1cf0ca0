package scheduler

import (
	"sync"
	"time"

	"github.com/swarmguard/taskscheduler/internal/model"
)

// FIFOScheduler ignores priority entirely (spec §4.4). Two structures: a task map, where each
// entry keeps its next due time, and a ready FIFO queue of identifiers; a future-scheduled task
// moves to the tail of the FIFO queue when due, scanned on each GetReadyTasks call.
type FIFOScheduler struct {
	mu       sync.Mutex
	tasks    map[string]*fifoEntry
	ready    []string // FIFO order of ids
	paused   map[string]bool
}

type fifoEntry struct {
	st   ScheduledTask
	next *time.Time
}

func NewFIFOScheduler() *FIFOScheduler {
	return &FIFOScheduler{
		tasks:  make(map[string]*fifoEntry),
		paused: make(map[string]bool),
	}
}

func (s *FIFOScheduler) AddTask(st ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[st.Task.ID]; exists {
		return model.NewError(model.ErrKindAlreadyExists, st.Task.ID)
	}
	next, err := NextExecutionAt(st.Task.Schedule, st.Task.LastExecutedAt, time.Now())
	if err != nil {
		return err
	}
	st.Task.NextExecutionAt = next
	s.tasks[st.Task.ID] = &fifoEntry{st: st, next: next}
	if next != nil && !next.After(time.Now()) {
		s.ready = append(s.ready, st.Task.ID)
	}
	return nil
}

func (s *FIFOScheduler) RemoveTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return model.ErrTaskNotFound
	}
	delete(s.tasks, id)
	delete(s.paused, id)
	s.removeFromReady(id)
	return nil
}

func (s *FIFOScheduler) removeFromReady(id string) {
	out := s.ready[:0]
	for _, rid := range s.ready {
		if rid != id {
			out = append(out, rid)
		}
	}
	s.ready = out
}

func (s *FIFOScheduler) GetTask(id string) (ScheduledTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok {
		return ScheduledTask{}, false
	}
	return e.st, true
}

func (s *FIFOScheduler) ListTasks() []ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduledTask, 0, len(s.tasks))
	for _, e := range s.tasks {
		out = append(out, e.st)
	}
	return out
}

// GetReadyTasks scans scheduled entries for ones now due, appends them to the FIFO tail, then
// pops up to limit from the head in arrival order (priority is ignored, per spec).
func (s *FIFOScheduler) GetReadyTasks(limit int) []ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, e := range s.tasks {
		if s.paused[id] || e.next == nil || e.next.After(now) {
			continue
		}
		if !s.inReady(id) {
			s.ready = append(s.ready, id)
		}
	}

	var out []ScheduledTask
	var remaining []string
	for _, id := range s.ready {
		e, ok := s.tasks[id]
		if !ok {
			continue
		}
		if len(out) < limit && !s.paused[id] {
			out = append(out, e.st)
			e.next = nil // dispatched: not due again until MarkExecuted or UpdateSchedule
			continue
		}
		remaining = append(remaining, id)
	}
	s.ready = remaining
	return out
}

func (s *FIFOScheduler) inReady(id string) bool {
	for _, rid := range s.ready {
		if rid == id {
			return true
		}
	}
	return false
}

func (s *FIFOScheduler) MarkExecuted(id string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok {
		return model.ErrTaskNotFound
	}
	now := time.Now()
	e.st.Task.LastExecutedAt = &now
	next, err := NextExecutionAt(e.st.Task.Schedule, &now, now)
	if err != nil {
		return err
	}
	e.next = next
	e.st.Task.NextExecutionAt = next
	_ = success
	return nil
}

func (s *FIFOScheduler) UpdateSchedule(id string, sched model.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok {
		return model.ErrTaskNotFound
	}
	e.st.Task.Schedule = sched
	next, err := NextExecutionAt(sched, e.st.Task.LastExecutedAt, time.Now())
	if err != nil {
		return err
	}
	e.next = next
	e.st.Task.NextExecutionAt = next
	return nil
}

func (s *FIFOScheduler) PauseTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return model.ErrTaskNotFound
	}
	s.paused[id] = true
	return nil
}

func (s *FIFOScheduler) ResumeTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return model.ErrTaskNotFound
	}
	delete(s.paused, id)
	return nil
}

func (s *FIFOScheduler) GetStatistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Statistics{TasksByScheduleType: make(map[model.ScheduleKind]int)}
	now := time.Now()
	for id, e := range s.tasks {
		stats.TotalTasks++
		stats.TasksByScheduleType[e.st.Task.Schedule.Kind]++
		if s.paused[id] {
			stats.PausedTasks++
			continue
		}
		if e.next != nil && !e.next.After(now) {
			stats.ReadyTasks++
		} else {
			stats.WaitingTasks++
		}
	}
	return stats
}
