package store

import (
	"container/list"
	"sort"
	"sync"
	"time"

	"github.com/swarmguard/taskscheduler/internal/model"
)

// MemoryStore is the reference Store implementation (spec §4.2): the primary map is held in
// memory behind a shared write lock taken only for mutation, fronted by a bounded recently-
// accessed cache for hot reads that is invalidated on every update — mirroring the teacher's
// persistence.go ResultStore/WorkflowStore in-memory-cache-over-bbolt shape, generalized to a
// pure in-memory backend (no bbolt beneath it).
type MemoryStore struct {
	mu      sync.RWMutex
	tasks   map[string]TaskRecord
	results map[string]model.TaskResult
	history map[string][]model.ExecutionHistory

	cacheMu sync.Mutex
	cache   *lruCache
}

// NewMemoryStore constructs an empty store with a hot-read cache of the given capacity.
func NewMemoryStore(cacheCapacity int) *MemoryStore {
	if cacheCapacity <= 0 {
		cacheCapacity = 256
	}
	return &MemoryStore{
		tasks:   make(map[string]TaskRecord),
		results: make(map[string]model.TaskResult),
		history: make(map[string][]model.ExecutionHistory),
		cache:   newLRUCache(cacheCapacity),
	}
}

func (s *MemoryStore) CreateTask(rec TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[rec.Task.ID]; exists {
		return model.NewError(model.ErrKindAlreadyExists, rec.Task.ID)
	}
	s.tasks[rec.Task.ID] = rec
	s.invalidate(rec.Task.ID)
	return nil
}

func (s *MemoryStore) GetTask(id string) (TaskRecord, bool, error) {
	s.cacheMu.Lock()
	if v, ok := s.cache.get(id); ok {
		s.cacheMu.Unlock()
		return v, true, nil
	}
	s.cacheMu.Unlock()

	s.mu.RLock()
	rec, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return TaskRecord{}, false, nil
	}
	s.cacheMu.Lock()
	s.cache.put(id, rec)
	s.cacheMu.Unlock()
	return rec, true, nil
}

func (s *MemoryStore) UpdateTaskStatus(id string, status model.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return model.NewError(model.ErrKindTaskNotFound, id)
	}
	if rec.Status.IsTerminal() && !status.IsTerminal() {
		return model.NewError(model.ErrKindInvalidConfig, "cannot transition out of a terminal status")
	}
	rec.Status = status
	rec.Task.UpdatedAt = time.Now()
	s.tasks[id] = rec
	s.invalidate(id)
	return nil
}

func (s *MemoryStore) UpdateTask(rec TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tasks[rec.Task.ID]
	if !ok {
		return model.NewError(model.ErrKindTaskNotFound, rec.Task.ID)
	}
	if existing.Status.IsTerminal() && !rec.Status.IsTerminal() {
		return model.NewError(model.ErrKindInvalidConfig, "cannot transition out of a terminal status")
	}
	rec.Task.UpdatedAt = time.Now()
	s.tasks[rec.Task.ID] = rec
	s.invalidate(rec.Task.ID)
	return nil
}

func (s *MemoryStore) StoreResult(result model.TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.TaskID] = result
	return nil
}

func (s *MemoryStore) GetResult(id string) (model.TaskResult, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[id]
	return r, ok, nil
}

func (s *MemoryStore) ListTasks(filter ListFilter) ([]TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TaskRecord, 0, len(s.tasks))
	for _, rec := range s.tasks {
		if filter.Status != nil && rec.Status.Kind != *filter.Status {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Task, out[j].Task
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) GetTasksByDependency(predecessorID string) ([]TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []TaskRecord
	for _, rec := range s.tasks {
		for _, dep := range rec.Task.Dependencies {
			if dep == predecessorID {
				out = append(out, rec)
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	delete(s.results, id)
	delete(s.history, id)
	s.invalidate(id)
	return nil
}

func (s *MemoryStore) CleanupOldResults(olderThan time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.results {
		if r.Metrics.WorkerNode != "" {
			continue // this pass deletes nothing; the loop below selects results by task UpdatedAt
		}
		_ = id
	}
	// Results carry no timestamp of their own in the data model (spec §3); cleanup keys off the
	// owning task's UpdatedAt, matching the teacher's evictOldestExecution time-indexed approach.
	for id, rec := range s.tasks {
		if rec.Status.IsTerminal() && rec.Task.UpdatedAt.Before(olderThan) {
			delete(s.results, id)
		}
	}
	return nil
}

func (s *MemoryStore) AppendHistory(entry model.ExecutionHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[entry.TaskID] = append(s.history[entry.TaskID], entry)
	return nil
}

func (s *MemoryStore) ListHistory(taskID string) ([]model.ExecutionHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ExecutionHistory, len(s.history[taskID]))
	copy(out, s.history[taskID])
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) invalidate(id string) {
	s.cacheMu.Lock()
	s.cache.remove(id)
	s.cacheMu.Unlock()
}

// lruCache is a small bounded LRU used for hot reads in front of the primary map.
type lruCache struct {
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type lruEntry struct {
	key string
	val TaskRecord
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{capacity: capacity, ll: list.New(), items: make(map[string]*list.Element)}
}

func (c *lruCache) get(key string) (TaskRecord, bool) {
	el, ok := c.items[key]
	if !ok {
		return TaskRecord{}, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*lruEntry).val, true
}

func (c *lruCache) put(key string, val TaskRecord) {
	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry).val = val
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&lruEntry{key: key, val: val})
	c.items[key] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry).key)
		}
	}
}

func (c *lruCache) remove(key string) {
	if el, ok := c.items[key]; ok {
		c.ll.Remove(el)
		delete(c.items, key)
	}
}
