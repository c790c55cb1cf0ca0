// Package depgraph implements the DependencyManager of spec §4.5: it tracks, for every task with
// a non-empty dependency list, the set of predecessors still non-terminal, and releases a task to
// the Scheduler once that set empties out successfully. The reverse index (predecessor ->
// dependents) is held here and is rebuildable from the Store on startup (spec §3 "Ownership"),
// mirroring the teacher's own cyclic-structure rule in dag_engine.go of storing one direction
// (indeg/adj built from DependsOn) rather than two-way owning references.
package depgraph

import (
	"sync"

	"github.com/swarmguard/taskscheduler/internal/model"
)

// Outcome is the terminal outcome a predecessor notifies its dependents with.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Releaser is called when a task becomes ready to hand to the Scheduler (all dependencies
// satisfied) — the Manager supplies this, since depgraph itself holds no Scheduler reference
// (spec §9 "Global state": components are passed by reference, not accessed ambiently).
type Releaser func(taskID string)

// Failer is called when a dependent must transition to Failed("dependency failed") because a
// predecessor did not succeed — the Manager supplies this to perform the Store write + event
// publish; depgraph only decides when it must happen.
type Failer func(taskID string, reason string)

type entry struct {
	pending map[string]struct{} // predecessor ids not yet terminal
}

// Manager is the DependencyManager (spec §4.5).
type Manager struct {
	mu sync.Mutex

	// pending[taskID] = set of predecessor ids still non-terminal, for tasks with dependencies.
	pending map[string]*entry

	// dependents[predecessorID] = set of dependent task ids naming it (reverse index).
	dependents map[string]map[string]struct{}

	// deps[taskID] = the full dependency list, needed to rebuild/validate cycles and for
	// recursive failure propagation once a predecessor fails.
	deps map[string][]string

	// seen dedupes (predecessorID, outcome) notifications for idempotence (spec §4.5).
	seen map[string]map[Outcome]struct{}

	onRelease Releaser
	onFail    Failer
}

// New constructs an empty DependencyManager. Call AddTask for every WaitingDependencies task
// found in the Store at startup to rebuild the reverse index (spec §3 "rebuildable from the store
// on startup").
func New(onRelease Releaser, onFail Failer) *Manager {
	return &Manager{
		pending:    make(map[string]*entry),
		dependents: make(map[string]map[string]struct{}),
		deps:       make(map[string][]string),
		seen:       make(map[string]map[Outcome]struct{}),
		onRelease:  onRelease,
		onFail:     onFail,
	}
}

// AddTask records task's dependency set (spec §4.5). If dependencies is empty it calls onRelease
// immediately. Otherwise it rejects cyclic configurations (a predecessor that is itself a
// transitive dependent of task) with model.ErrKindInvalidConfig, and records the pending set.
func (m *Manager) AddTask(taskID string, dependencies []string) error {
	if len(dependencies) == 0 {
		m.onRelease(taskID)
		return nil
	}

	m.mu.Lock()
	for _, pred := range dependencies {
		if m.wouldCreateCycle(taskID, pred) {
			m.mu.Unlock()
			return model.NewError(model.ErrKindInvalidConfig, "dependency cycle: "+pred+" is already a dependent of "+taskID)
		}
	}

	pend := make(map[string]struct{}, len(dependencies))
	for _, pred := range dependencies {
		pend[pred] = struct{}{}
		if m.dependents[pred] == nil {
			m.dependents[pred] = make(map[string]struct{})
		}
		m.dependents[pred][taskID] = struct{}{}
	}
	m.pending[taskID] = &entry{pending: pend}
	m.deps[taskID] = append([]string(nil), dependencies...)
	m.mu.Unlock()
	return nil
}

// wouldCreateCycle reports whether making pred a dependency of taskID would create a cycle.
// m.dependents[X] holds the tasks that already name X as a dependency — i.e. edges X -> Y mean
// "X must finish before Y" — so taskID already (transitively) precedes pred iff pred is
// reachable by walking m.dependents forward starting at taskID. If it is, adding the new
// pred -> taskID edge would close a loop, matching spec §4.5's cycle rule ("a predecessor that
// is itself a transitive dependent of the new task").
func (m *Manager) wouldCreateCycle(taskID, pred string) bool {
	if taskID == pred {
		return true
	}
	visited := make(map[string]struct{})
	var stack []string
	stack = append(stack, taskID)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := visited[cur]; ok {
			continue
		}
		visited[cur] = struct{}{}
		for dependent := range m.dependents[cur] {
			if dependent == pred {
				return true
			}
			stack = append(stack, dependent)
		}
	}
	return false
}

// NotifyTerminal is called by the Manager when it observes a predecessor reach a terminal status
// (spec §4.5). For every dependent still waiting on predecessorID: remove predecessorID from its
// pending set; if outcome isn't Succeeded, fail the dependent and recurse into its own
// dependents; if the pending set emptied and outcome is Succeeded, release the dependent.
// Repeated calls for the same (predecessorID, outcome) are a no-op (spec §4.5 "Idempotence").
func (m *Manager) NotifyTerminal(predecessorID string, outcome Outcome) {
	m.mu.Lock()
	if m.seen[predecessorID] == nil {
		m.seen[predecessorID] = make(map[Outcome]struct{})
	}
	if _, already := m.seen[predecessorID][outcome]; already {
		m.mu.Unlock()
		return
	}
	m.seen[predecessorID][outcome] = struct{}{}

	dependents := m.dependents[predecessorID]
	ids := make([]string, 0, len(dependents))
	for id := range dependents {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.resolveOne(id, predecessorID, outcome)
	}
}

func (m *Manager) resolveOne(dependentID, predecessorID string, outcome Outcome) {
	m.mu.Lock()
	e, ok := m.pending[dependentID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(e.pending, predecessorID)
	nowFailed := outcome != OutcomeSucceeded
	nowReady := !nowFailed && len(e.pending) == 0
	if nowFailed || nowReady {
		delete(m.pending, dependentID)
	}
	m.mu.Unlock()

	if nowFailed {
		m.onFail(dependentID, "dependency failed: "+predecessorID)
		// Recurse: dependentID is now itself terminal (Failed), so its own dependents must be
		// notified too (spec §4.5 "transition d to Failed ... and recursively notify its own
		// dependents").
		m.NotifyTerminal(dependentID, OutcomeFailed)
		return
	}
	if nowReady {
		m.onRelease(dependentID)
	}
}

// PendingCount reports how many predecessors taskID is still waiting on (0 if untracked or
// already released/failed) — used by diagnostics/tests.
func (m *Manager) PendingCount(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pending[taskID]
	if !ok {
		return 0
	}
	return len(e.pending)
}

// IsWaiting reports whether taskID currently has unresolved dependencies tracked.
func (m *Manager) IsWaiting(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[taskID]
	return ok
}
