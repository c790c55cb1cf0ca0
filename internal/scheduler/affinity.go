package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/swarmguard/taskscheduler/internal/model"
)

// AffinityScheduler extends placement with worker affinity, locality, load-aware ranking, and
// work stealing across a live WorkerState map updated by heartbeats (spec §4.4).
type AffinityScheduler struct {
	mu      sync.Mutex
	tasks   map[string]*ScheduledTask
	paused  map[string]bool
	waiting map[string]*time.Time // not yet due

	pending  []string            // ready, not yet assigned to any worker
	assigned map[string][]string // workerID -> FIFO task ids placed but not yet dispatched

	workers map[string]*model.WorkerState

	stealThreshold   float64
	maxLoadImbalance float64
	workerTimeout    time.Duration
}

func NewAffinityScheduler(stealThreshold, maxLoadImbalance float64, workerTimeout time.Duration) *AffinityScheduler {
	return &AffinityScheduler{
		tasks:            make(map[string]*ScheduledTask),
		paused:           make(map[string]bool),
		waiting:          make(map[string]*time.Time),
		assigned:         make(map[string][]string),
		workers:          make(map[string]*model.WorkerState),
		stealThreshold:   stealThreshold,
		maxLoadImbalance: maxLoadImbalance,
		workerTimeout:    workerTimeout,
	}
}

// UpdateWorkerHeartbeat records (or refreshes) a worker's observed state. Not part of the
// Scheduler interface — called directly by whatever consumes WorkerHeartbeat events.
func (s *AffinityScheduler) UpdateWorkerHeartbeat(ws model.WorkerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := ws
	s.workers[ws.WorkerID] = &cp
}

func (s *AffinityScheduler) AddTask(st ScheduledTask) error {
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
		s.pending = append(s.pending, st.Task.ID)
	} else if next != nil {
		t := *next
		s.waiting[st.Task.ID] = &t
	}
	return nil
}

func (s *AffinityScheduler) RemoveTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return model.ErrTaskNotFound
	}
	delete(s.tasks, id)
	delete(s.paused, id)
	delete(s.waiting, id)
	s.pending = removeString(s.pending, id)
	for w, q := range s.assigned {
		s.assigned[w] = removeString(q, id)
	}
	return nil
}

func (s *AffinityScheduler) GetTask(id string) (ScheduledTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ScheduledTask{}, false
	}
	return *t, true
}

func (s *AffinityScheduler) ListTasks() []ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduledTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	return out
}

func (s *AffinityScheduler) activeWorkerIDs(now time.Time) []string {
	var out []string
	for id, w := range s.workers {
		if now.Sub(w.LastHeartbeat) > s.workerTimeout {
			continue
		}
		out = append(out, id)
	}
	return out
}

// releaseTimedOutWorkers drops assigned-but-undispatched tasks belonging to workers whose last
// heartbeat exceeds workerTimeout back onto the pending list (spec §4.4).
func (s *AffinityScheduler) releaseTimedOutWorkers(now time.Time) {
	for id, w := range s.workers {
		if now.Sub(w.LastHeartbeat) <= s.workerTimeout {
			continue
		}
		if q, ok := s.assigned[id]; ok && len(q) > 0 {
			s.pending = append(s.pending, q...)
			delete(s.assigned, id)
		}
	}
}

// runWorkStealing moves stealable tasks from the heaviest-loaded active worker's assigned queue
// to the lightest, while the observed load imbalance exceeds thresholds and stealable candidates
// remain (spec §4.4).
func (s *AffinityScheduler) runWorkStealing(now time.Time) {
	for {
		active := s.activeWorkerIDs(now)
		if len(active) < 2 {
			return
		}
		heaviest, lightest := active[0], active[0]
		for _, id := range active[1:] {
			if s.workers[id].Load > s.workers[heaviest].Load {
				heaviest = id
			}
			if s.workers[id].Load < s.workers[lightest].Load {
				lightest = id
			}
		}
		maxLoad := s.workers[heaviest].Load
		minLoad := s.workers[lightest].Load
		if maxLoad < s.stealThreshold || maxLoad-minLoad < s.maxLoadImbalance {
			return
		}

		queue := s.assigned[heaviest]
		stolenIdx := -1
		for i, id := range queue {
			if t, ok := s.tasks[id]; ok && t.Stealable {
				stolenIdx = i
				break
			}
		}
		if stolenIdx == -1 {
			return // no stealable candidates left on the heaviest worker
		}
		stolenID := queue[stolenIdx]
		s.assigned[heaviest] = append(queue[:stolenIdx], queue[stolenIdx+1:]...)
		s.assigned[lightest] = append(s.assigned[lightest], stolenID)
	}
}

// placeCandidate picks the best active worker for t, or "" if none qualifies (hard RequireWorkers
// filter with no match keeps the task pending).
func (s *AffinityScheduler) placeCandidate(t *ScheduledTask, active []string) string {
	var candidates []string
	switch t.Affinity.Kind {
	case AffinityRequireWorkers:
		for _, id := range active {
			if _, ok := t.Affinity.Workers[id]; ok {
				candidates = append(candidates, id)
			}
		}
	default:
		candidates = active
	}
	if len(candidates) == 0 {
		return ""
	}

	prefers := func(id string) bool {
		if t.Affinity.Kind != AffinityPreferWorkers {
			return false
		}
		_, ok := t.Affinity.Workers[id]
		return ok
	}
	matchesLocality := func(id string) bool {
		return t.Locality != "" && s.workers[id].Locality == t.Locality
	}
	taskCount := func(id string) int {
		return len(s.assigned[id]) + s.workers[id].RunningCount
	}

	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if prefers(ci) != prefers(cj) {
			return prefers(ci)
		}
		if matchesLocality(ci) != matchesLocality(cj) {
			return matchesLocality(ci)
		}
		li, lj := s.workers[ci].Load, s.workers[cj].Load
		if li != lj {
			return li < lj
		}
		ti, tj := taskCount(ci), taskCount(cj)
		if ti != tj {
			return ti < tj
		}
		return ci < cj
	})
	return candidates[0]
}

// GetReadyTasks runs work stealing, then places every pending ready task onto a worker queue
// (hard RequireWorkers filter, then preference/locality/load/count ranking), then dispatches up
// to limit tasks round-robin across worker queues (spec §4.4).
func (s *AffinityScheduler) GetReadyTasks(limit int) []ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()

	for id, at := range s.waiting {
		if at.After(now) || s.paused[id] {
			continue
		}
		if _, ok := s.tasks[id]; ok {
			s.pending = append(s.pending, id)
			delete(s.waiting, id)
		}
	}

	s.releaseTimedOutWorkers(now)
	s.runWorkStealing(now)

	active := s.activeWorkerIDs(now)
	var stillPending []string
	for _, id := range s.pending {
		t := s.tasks[id]
		if t == nil {
			continue
		}
		if s.paused[id] {
			stillPending = append(stillPending, id)
			continue
		}
		workerID := s.placeCandidate(t, active)
		if workerID == "" {
			stillPending = append(stillPending, id)
			continue
		}
		s.assigned[workerID] = append(s.assigned[workerID], id)
	}
	s.pending = stillPending

	var workerIDs []string
	for id := range s.assigned {
		workerIDs = append(workerIDs, id)
	}
	sort.Strings(workerIDs)

	var out []ScheduledTask
	for len(out) < limit {
		dispatchedThisRound := false
		for _, w := range workerIDs {
			if len(out) >= limit {
				break
			}
			q := s.assigned[w]
			if len(q) == 0 {
				continue
			}
			id := q[0]
			s.assigned[w] = q[1:]
			dispatchedThisRound = true
			if t := s.tasks[id]; t != nil && !s.paused[id] {
				out = append(out, *t)
			}
		}
		if !dispatchedThisRound {
			break
		}
	}
	return out
}

func (s *AffinityScheduler) MarkExecuted(id string, success bool) error {
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

func (s *AffinityScheduler) UpdateSchedule(id string, sched model.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return model.ErrTaskNotFound
	}
	delete(s.waiting, id)
	s.pending = removeString(s.pending, id)
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

func (s *AffinityScheduler) PauseTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return model.ErrTaskNotFound
	}
	s.paused[id] = true
	return nil
}

func (s *AffinityScheduler) ResumeTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return model.ErrTaskNotFound
	}
	delete(s.paused, id)
	return nil
}

func (s *AffinityScheduler) GetStatistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Statistics{TasksByScheduleType: make(map[model.ScheduleKind]int)}
	for id, t := range s.tasks {
		stats.TotalTasks++
		stats.TasksByScheduleType[t.Task.Schedule.Kind]++
		switch {
		case s.paused[id]:
			stats.PausedTasks++
		case s.inAssigned(id):
			stats.ReadyTasks++
		default:
			stats.WaitingTasks++
		}
	}
	return stats
}

func (s *AffinityScheduler) inAssigned(id string) bool {
	for _, q := range s.assigned {
		for _, tid := range q {
			if tid == id {
				return true
			}
		}
	}
	return false
}
