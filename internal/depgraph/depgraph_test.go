package depgraph

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type harness struct {
	mu       sync.Mutex
	released []string
	failed   map[string]string
}

func newHarness() *harness {
	return &harness{failed: make(map[string]string)}
}

func (h *harness) release(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released = append(h.released, id)
}

func (h *harness) fail(id, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed[id] = reason
}

func TestAddTaskNoDependenciesReleasesImmediately(t *testing.T) {
	h := newHarness()
	m := New(h.release, h.fail)

	require.NoError(t, m.AddTask("a", nil))
	require.Equal(t, []string{"a"}, h.released)
}

func TestNotifyTerminalSuccessReleasesDependent(t *testing.T) {
	h := newHarness()
	m := New(h.release, h.fail)

	require.NoError(t, m.AddTask("x", nil))
	require.NoError(t, m.AddTask("y", []string{"x"}))
	require.True(t, m.IsWaiting("y"))

	m.NotifyTerminal("x", OutcomeSucceeded)
	require.False(t, m.IsWaiting("y"))
	require.Contains(t, h.released, "y")
	require.Empty(t, h.failed)
}

func TestNotifyTerminalFailurePropagatesTransitively(t *testing.T) {
	h := newHarness()
	m := New(h.release, h.fail)

	require.NoError(t, m.AddTask("x", nil))
	require.NoError(t, m.AddTask("y", []string{"x"}))
	require.NoError(t, m.AddTask("z", []string{"y"}))

	m.NotifyTerminal("x", OutcomeFailed)

	require.Equal(t, "dependency failed: x", h.failed["y"])
	require.Contains(t, h.failed["z"], "dependency failed: y")
	require.False(t, m.IsWaiting("y"))
	require.False(t, m.IsWaiting("z"))
}

func TestAddTaskRejectsCycle(t *testing.T) {
	h := newHarness()
	m := New(h.release, h.fail)

	require.NoError(t, m.AddTask("a", []string{"b"}))
	err := m.AddTask("b", []string{"a"})
	require.Error(t, err)
}

func TestNotifyTerminalIdempotent(t *testing.T) {
	h := newHarness()
	m := New(h.release, h.fail)

	require.NoError(t, m.AddTask("x", nil))
	require.NoError(t, m.AddTask("y", []string{"x"}))

	m.NotifyTerminal("x", OutcomeSucceeded)
	m.NotifyTerminal("x", OutcomeSucceeded)

	count := 0
	for _, id := range h.released {
		if id == "y" {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestWaitsForAllPredecessors(t *testing.T) {
	h := newHarness()
	m := New(h.release, h.fail)

	require.NoError(t, m.AddTask("a", nil))
	require.NoError(t, m.AddTask("b", nil))
	require.NoError(t, m.AddTask("c", []string{"a", "b"}))

	m.NotifyTerminal("a", OutcomeSucceeded)
	require.True(t, m.IsWaiting("c"))
	require.NotContains(t, h.released, "c")

	m.NotifyTerminal("b", OutcomeSucceeded)
	require.False(t, m.IsWaiting("c"))
	require.Contains(t, h.released, "c")
}
