package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/swarmguard/taskscheduler/internal/model"
)

// priorityReadyItem is one entry in the ready max-heap, keyed by (priority desc, seq asc) — the
// insertion-order tiebreak the original task-scheduler-rust PriorityScheduler uses so that equal
// priority tasks drain FIFO rather than in map-iteration order.
type priorityReadyItem struct {
	id       string
	priority int
	seq      uint64
	index    int
}

type priorityReadyHeap []*priorityReadyItem

func (h priorityReadyHeap) Len() int { return len(h) }
func (h priorityReadyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority // max-heap on priority
	}
	return h[i].seq < h[j].seq // earlier insertion wins ties
}
func (h priorityReadyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *priorityReadyHeap) Push(x interface{}) {
	item := x.(*priorityReadyItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *priorityReadyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// priorityScheduledItem is one entry in the scheduled min-heap, keyed by next_execution_at, with
// ties broken by earlier next_execution_at as spec §4.4 requires ("Ties broken by earlier
// next_execution_at") — already the natural heap order, so no secondary key is needed beyond id
// for determinism when times are exactly equal.
type priorityScheduledItem struct {
	id    string
	at    time.Time
	index int
}

type priorityScheduledHeap []*priorityScheduledItem

func (h priorityScheduledHeap) Len() int { return len(h) }
func (h priorityScheduledHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	return h[i].id < h[j].id
}
func (h priorityScheduledHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *priorityScheduledHeap) Push(x interface{}) {
	item := x.(*priorityScheduledItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *priorityScheduledHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// PriorityScheduler keyed by (priority, insertion sequence) for ready tasks and next_execution_at
// for scheduled ones (spec §4.4).
type PriorityScheduler struct {
	mu        sync.Mutex
	tasks     map[string]*ScheduledTask
	paused    map[string]bool
	readyH    priorityReadyHeap
	readyIdx  map[string]*priorityReadyItem
	schedH    priorityScheduledHeap
	schedIdx  map[string]*priorityScheduledItem
	seq       uint64
}

func NewPriorityScheduler() *PriorityScheduler {
	return &PriorityScheduler{
		tasks:    make(map[string]*ScheduledTask),
		paused:   make(map[string]bool),
		readyIdx: make(map[string]*priorityReadyItem),
		schedIdx: make(map[string]*priorityScheduledItem),
	}
}

func (s *PriorityScheduler) AddTask(st ScheduledTask) error {
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
		s.pushReady(st.Task.ID, st.Task.Priority)
	} else if next != nil {
		item := &priorityScheduledItem{id: st.Task.ID, at: *next}
		s.schedIdx[st.Task.ID] = item
		heap.Push(&s.schedH, item)
	}
	return nil
}

func (s *PriorityScheduler) pushReady(id string, priority int) {
	s.seq++
	item := &priorityReadyItem{id: id, priority: priority, seq: s.seq}
	s.readyIdx[id] = item
	heap.Push(&s.readyH, item)
}

func (s *PriorityScheduler) RemoveTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return model.ErrTaskNotFound
	}
	delete(s.tasks, id)
	delete(s.paused, id)
	if item, ok := s.readyIdx[id]; ok {
		heap.Remove(&s.readyH, item.index)
		delete(s.readyIdx, id)
	}
	if item, ok := s.schedIdx[id]; ok {
		heap.Remove(&s.schedH, item.index)
		delete(s.schedIdx, id)
	}
	return nil
}

func (s *PriorityScheduler) GetTask(id string) (ScheduledTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ScheduledTask{}, false
	}
	return *t, true
}

func (s *PriorityScheduler) ListTasks() []ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduledTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	return out
}

// GetReadyTasks first drains due scheduled tasks into the ready heap, then pops in priority order
// (spec §4.4).
func (s *PriorityScheduler) GetReadyTasks(limit int) []ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for s.schedH.Len() > 0 && !s.schedH[0].at.After(now) {
		item := heap.Pop(&s.schedH).(*priorityScheduledItem)
		delete(s.schedIdx, item.id)
		if s.paused[item.id] {
			continue
		}
		t := s.tasks[item.id]
		if t == nil {
			continue
		}
		s.pushReady(item.id, t.Task.Priority)
	}

	var out []ScheduledTask
	var skipped []*priorityReadyItem
	for s.readyH.Len() > 0 && len(out) < limit {
		item := heap.Pop(&s.readyH).(*priorityReadyItem)
		delete(s.readyIdx, item.id)
		if s.paused[item.id] {
			skipped = append(skipped, item)
			continue
		}
		t := s.tasks[item.id]
		if t == nil {
			continue
		}
		out = append(out, *t)
	}
	for _, item := range skipped {
		heap.Push(&s.readyH, item)
		s.readyIdx[item.id] = item
	}
	return out
}

func (s *PriorityScheduler) MarkExecuted(id string, success bool) error {
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
		item := &priorityScheduledItem{id: id, at: *next}
		s.schedIdx[id] = item
		heap.Push(&s.schedH, item)
	}
	return nil
}

func (s *PriorityScheduler) UpdateSchedule(id string, sched model.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return model.ErrTaskNotFound
	}
	if item, ok := s.schedIdx[id]; ok {
		heap.Remove(&s.schedH, item.index)
		delete(s.schedIdx, id)
	}
	t.Task.Schedule = sched
	next, err := NextExecutionAt(sched, t.Task.LastExecutedAt, time.Now())
	if err != nil {
		return err
	}
	t.Task.NextExecutionAt = next
	if next != nil {
		item := &priorityScheduledItem{id: id, at: *next}
		s.schedIdx[id] = item
		heap.Push(&s.schedH, item)
	}
	return nil
}

func (s *PriorityScheduler) PauseTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return model.ErrTaskNotFound
	}
	s.paused[id] = true
	return nil
}

func (s *PriorityScheduler) ResumeTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return model.ErrTaskNotFound
	}
	delete(s.paused, id)
	return nil
}

func (s *PriorityScheduler) GetStatistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Statistics{TasksByScheduleType: make(map[model.ScheduleKind]int)}
	for id, t := range s.tasks {
		stats.TotalTasks++
		stats.TasksByScheduleType[t.Task.Schedule.Kind]++
		if s.paused[id] {
			stats.PausedTasks++
		} else if _, ok := s.readyIdx[id]; ok {
			stats.ReadyTasks++
		} else {
			stats.WaitingTasks++
		}
	}
	return stats
}
