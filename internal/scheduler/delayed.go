package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/swarmguard/taskscheduler/internal/model"
)

// delayedHeapItem is one min-heap entry keyed by execute_at. dead marks a logically-removed entry
// (spec §4.4: "remove_task marks entries in the heap logically dead (skip on pop) to avoid O(n)
// heap surgery"), mirroring the tombstone approach this repo's SPEC_FULL.md supplements from the
// original Rust DelayedScheduler.
type delayedHeapItem struct {
	id       string
	executeAt time.Time
	dead     bool
	index    int
}

type delayedHeap []*delayedHeapItem

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool { return h[i].executeAt.Before(h[j].executeAt) }
func (h delayedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *delayedHeap) Push(x interface{}) {
	item := x.(*delayedHeapItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *delayedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// DelayedScheduler accepts only one-shot schedules (Immediate/At/Delayed); Cron/Interval are
// rejected with InvalidSchedule (spec §4.4).
type DelayedScheduler struct {
	mu         sync.Mutex
	tasks      map[string]*ScheduledTask
	paused     map[string]bool
	h          delayedHeap
	items      map[string]*delayedHeapItem
	tombstones int
}

func NewDelayedScheduler() *DelayedScheduler {
	return &DelayedScheduler{
		tasks:  make(map[string]*ScheduledTask),
		paused: make(map[string]bool),
		items:  make(map[string]*delayedHeapItem),
	}
}

func (s *DelayedScheduler) AddTask(st ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !acceptsOneShot(st.Task.Schedule.Kind) {
		return model.NewError(model.ErrKindInvalidSchedule, "delayed scheduler only accepts immediate, at, or delayed schedules")
	}
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

	executeAt := now
	if next != nil {
		executeAt = *next
	}
	item := &delayedHeapItem{id: st.Task.ID, executeAt: executeAt}
	s.items[st.Task.ID] = item
	heap.Push(&s.h, item)
	return nil
}

// RemoveTask marks the heap entry dead rather than performing heap surgery.
func (s *DelayedScheduler) RemoveTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return model.ErrTaskNotFound
	}
	delete(s.tasks, id)
	delete(s.paused, id)
	if item, ok := s.items[id]; ok {
		item.dead = true
		s.tombstones++
		delete(s.items, id)
	}
	s.compactIfNeeded()
	return nil
}

// compactIfNeeded rebuilds the heap once tombstones reach half its size (spec's supplemented
// lazy-deletion policy), bounding worst-case memory growth from indefinite churn.
func (s *DelayedScheduler) compactIfNeeded() {
	if s.tombstones == 0 || s.tombstones*2 < len(s.h) {
		return
	}
	live := make(delayedHeap, 0, len(s.h)-s.tombstones)
	for _, item := range s.h {
		if !item.dead {
			live = append(live, item)
		}
	}
	s.h = live
	heap.Init(&s.h)
	for i, item := range s.h {
		item.index = i
	}
	s.tombstones = 0
}

func (s *DelayedScheduler) GetTask(id string) (ScheduledTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ScheduledTask{}, false
	}
	return *t, true
}

func (s *DelayedScheduler) ListTasks() []ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduledTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	return out
}

func (s *DelayedScheduler) GetReadyTasks(limit int) []ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []ScheduledTask
	var requeue []*delayedHeapItem
	for s.h.Len() > 0 && len(out) < limit {
		item := heap.Pop(&s.h).(*delayedHeapItem)
		if item.dead {
			s.tombstones--
			continue
		}
		if item.executeAt.After(now) {
			requeue = append(requeue, item)
			break
		}
		delete(s.items, item.id)
		if s.paused[item.id] {
			continue
		}
		t := s.tasks[item.id]
		if t == nil {
			continue
		}
		out = append(out, *t)
	}
	for _, item := range requeue {
		heap.Push(&s.h, item)
	}
	return out
}

func (s *DelayedScheduler) MarkExecuted(id string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return model.ErrTaskNotFound
	}
	now := time.Now()
	t.Task.LastExecutedAt = &now
	t.Task.NextExecutionAt = nil // one-shot: no re-queue
	_ = success
	return nil
}

func (s *DelayedScheduler) UpdateSchedule(id string, sched model.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !acceptsOneShot(sched.Kind) {
		return model.NewError(model.ErrKindInvalidSchedule, "delayed scheduler only accepts immediate, at, or delayed schedules")
	}
	t, ok := s.tasks[id]
	if !ok {
		return model.ErrTaskNotFound
	}
	if item, ok := s.items[id]; ok {
		item.dead = true
		s.tombstones++
		delete(s.items, id)
	}
	t.Task.Schedule = sched
	now := time.Now()
	next, err := NextExecutionAt(sched, t.Task.LastExecutedAt, now)
	if err != nil {
		return err
	}
	t.Task.NextExecutionAt = next
	executeAt := now
	if next != nil {
		executeAt = *next
	}
	item := &delayedHeapItem{id: id, executeAt: executeAt}
	s.items[id] = item
	heap.Push(&s.h, item)
	s.compactIfNeeded()
	return nil
}

func (s *DelayedScheduler) PauseTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return model.ErrTaskNotFound
	}
	s.paused[id] = true
	return nil
}

func (s *DelayedScheduler) ResumeTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return model.ErrTaskNotFound
	}
	delete(s.paused, id)
	return nil
}

func (s *DelayedScheduler) GetStatistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	stats := Statistics{TasksByScheduleType: make(map[model.ScheduleKind]int)}
	for id, t := range s.tasks {
		stats.TotalTasks++
		stats.TasksByScheduleType[t.Task.Schedule.Kind]++
		if s.paused[id] {
			stats.PausedTasks++
			continue
		}
		if t.Task.NextExecutionAt != nil && !t.Task.NextExecutionAt.After(now) {
			stats.ReadyTasks++
		} else {
			stats.WaitingTasks++
		}
	}
	return stats
}
