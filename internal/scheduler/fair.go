package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/swarmguard/taskscheduler/internal/model"
)

// fairBand is one priority band's FIFO queue of ready ids plus its deficit-round-robin counter.
type fairBand struct {
	priority int
	queue    []string
	deficit  int
}

// FairScheduler groups tasks by priority band (FIFO within a band) and drains ready tasks via
// deficit round-robin, weight(p) = p+1, so higher priority bands receive more slots per cycle but
// every non-empty band gets at least one (spec §4.4).
type FairScheduler struct {
	mu      sync.Mutex
	tasks   map[string]*ScheduledTask
	paused  map[string]bool
	bands   map[int]*fairBand
	waiting map[string]*time.Time // id -> next_execution_at for not-yet-due tasks
}

func NewFairScheduler() *FairScheduler {
	return &FairScheduler{
		tasks:   make(map[string]*ScheduledTask),
		paused:  make(map[string]bool),
		bands:   make(map[int]*fairBand),
		waiting: make(map[string]*time.Time),
	}
}

func (s *FairScheduler) bandFor(priority int) *fairBand {
	b, ok := s.bands[priority]
	if !ok {
		b = &fairBand{priority: priority}
		s.bands[priority] = b
	}
	return b
}

func (s *FairScheduler) AddTask(st ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[st.Task.ID]; exists {
		return model.NewError(model.ErrKindAlreadyExists, st.Task.ID)
	}
	now := time.Now()
	next, err := NextExecutionAt(st.Task.Schedule, st.Task.LastExecutedAt, now)
	if err != nil {
		return err
	}
	st.Task.NextExecutionAt = next
	s.tasks[st.Task.ID] = &st

	if next != nil && !next.After(now) {
		b := s.bandFor(st.Task.Priority)
		b.queue = append(b.queue, st.Task.ID)
	} else if next != nil {
		t := *next
		s.waiting[st.Task.ID] = &t
	}
	return nil
}

func (s *FairScheduler) RemoveTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return model.ErrTaskNotFound
	}
	delete(s.tasks, id)
	delete(s.paused, id)
	delete(s.waiting, id)
	if b, ok := s.bands[t.Task.Priority]; ok {
		b.queue = removeString(b.queue, id)
	}
	return nil
}

func removeString(in []string, id string) []string {
	out := in[:0]
	for _, v := range in {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func (s *FairScheduler) GetTask(id string) (ScheduledTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ScheduledTask{}, false
	}
	return *t, true
}

func (s *FairScheduler) ListTasks() []ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduledTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	return out
}

// GetReadyTasks moves due waiting tasks into their band queues, then runs deficit round-robin:
// each non-empty band's deficit grows by its quantum (priority+1) every cycle; while a band's
// deficit covers the unit cost of its head task, that task is dispatched and the deficit spent.
// Cycles repeat until limit is reached or every band is empty.
func (s *FairScheduler) GetReadyTasks(limit int) []ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, at := range s.waiting {
		if at.After(now) {
			continue
		}
		if s.paused[id] {
			continue
		}
		t := s.tasks[id]
		if t == nil {
			delete(s.waiting, id)
			continue
		}
		b := s.bandFor(t.Task.Priority)
		b.queue = append(b.queue, id)
		delete(s.waiting, id)
	}

	var out []ScheduledTask
	for len(out) < limit && s.anyBandNonEmpty() {
		order := s.bandPrioritiesDesc()
		progressed := false
		for _, p := range order {
			if len(out) >= limit {
				break
			}
			b := s.bands[p]
			if len(b.queue) == 0 {
				continue
			}
			b.deficit += p + 1
			for len(b.queue) > 0 && b.deficit >= 1 && len(out) < limit {
				id := b.queue[0]
				b.queue = b.queue[1:]
				b.deficit--
				if s.paused[id] {
					continue
				}
				t := s.tasks[id]
				if t == nil {
					continue
				}
				out = append(out, *t)
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	return out
}

func (s *FairScheduler) anyBandNonEmpty() bool {
	for _, b := range s.bands {
		if len(b.queue) > 0 {
			return true
		}
	}
	return false
}

func (s *FairScheduler) bandPrioritiesDesc() []int {
	out := make([]int, 0, len(s.bands))
	for p := range s.bands {
		out = append(out, p)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}

func (s *FairScheduler) MarkExecuted(id string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return model.ErrTaskNotFound
	}
	now := time.Now()
	t.Task.LastExecutedAt = &now
	next, err := NextExecutionAt(t.Task.Schedule, &now, now)
	if err != nil {
		return err
	}
	t.Task.NextExecutionAt = next
	_ = success
	if next != nil {
		nt := *next
		s.waiting[id] = &nt
	}
	return nil
}

func (s *FairScheduler) UpdateSchedule(id string, sched model.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return model.ErrTaskNotFound
	}
	delete(s.waiting, id)
	if b, ok := s.bands[t.Task.Priority]; ok {
		b.queue = removeString(b.queue, id)
	}
	t.Task.Schedule = sched
	next, err := NextExecutionAt(sched, t.Task.LastExecutedAt, time.Now())
	if err != nil {
		return err
	}
	t.Task.NextExecutionAt = next
	if next != nil {
		nt := *next
		s.waiting[id] = &nt
	}
	return nil
}

func (s *FairScheduler) PauseTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return model.ErrTaskNotFound
	}
	s.paused[id] = true
	return nil
}

func (s *FairScheduler) ResumeTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return model.ErrTaskNotFound
	}
	delete(s.paused, id)
	return nil
}

func (s *FairScheduler) GetStatistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Statistics{TasksByScheduleType: make(map[model.ScheduleKind]int)}
	for id, t := range s.tasks {
		stats.TotalTasks++
		stats.TasksByScheduleType[t.Task.Schedule.Kind]++
		if s.paused[id] {
			stats.PausedTasks++
		} else if _, waiting := s.waiting[id]; waiting {
			stats.WaitingTasks++
		} else {
			stats.ReadyTasks++
		}
	}
	return stats
}
