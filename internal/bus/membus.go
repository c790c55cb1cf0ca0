package bus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/taskscheduler/internal/model"
)

// MemBus is an in-memory Bus implementation: the single-process/test-mode analog of NatsBus.
// It honors the same at-least-once/visibility-timeout contract so tests can exercise the
// "at-least-once delivery" and "idempotent completion" testable properties (spec §8) without a
// live NATS server.
type MemBus struct {
	mu          sync.Mutex
	subscribers map[string][]*memSub // keyed by raw pattern

	queues map[string]*memQueue

	resultMu   sync.Mutex
	resultSubs map[string][]chan TaskResultMessage

	closed bool
}

type memSub struct {
	pattern string
	handler func(context.Context, Envelope)
	bus     *MemBus
}

func (s *memSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	list := s.bus.subscribers[s.pattern]
	for i, sub := range list {
		if sub == s {
			s.bus.subscribers[s.pattern] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}

type memQueueItem struct {
	task       model.QueuedTask
	attempt    int
	visibleAt  time.Time
	dispatched bool
	acked      bool
}

type memQueue struct {
	mu    sync.Mutex
	items []*memQueueItem
	cond  *sync.Cond
}

func newMemQueue() *memQueue {
	q := &memQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// NewMemBus constructs an empty in-memory bus.
func NewMemBus() *MemBus {
	return &MemBus{
		subscribers: make(map[string][]*memSub),
		queues:      make(map[string]*memQueue),
		resultSubs:  make(map[string][]chan TaskResultMessage),
	}
}

func (b *MemBus) Publish(ctx context.Context, topic string, env Envelope) error {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}
	b.mu.Lock()
	var matched []*memSub
	for pattern, subs := range b.subscribers {
		if topicMatches(pattern, topic) {
			matched = append(matched, subs...)
		}
	}
	b.mu.Unlock()
	for _, s := range matched {
		go s.handler(ctx, env)
	}
	return nil
}

func (b *MemBus) Subscribe(ctx context.Context, topicPattern string, handler func(context.Context, Envelope)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &memSub{pattern: topicPattern, handler: handler, bus: b}
	b.subscribers[topicPattern] = append(b.subscribers[topicPattern], sub)
	return sub, nil
}

// topicMatches implements "wildcard last segment" (spec §4.1): the pattern's final dot-separated
// segment may be "*", matching any single segment in that position; all preceding segments must
// match exactly.
func topicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	pSeg := strings.Split(pattern, ".")
	tSeg := strings.Split(topic, ".")
	if len(pSeg) != len(tSeg) {
		return false
	}
	for i, p := range pSeg {
		if p == "*" {
			continue
		}
		if p != tSeg[i] {
			return false
		}
	}
	return true
}

func (b *MemBus) queueFor(name string) *memQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = newMemQueue()
		b.queues[name] = q
	}
	return q
}

func (b *MemBus) Enqueue(ctx context.Context, queueName string, task model.QueuedTask) error {
	q := b.queueFor(queueName)
	q.mu.Lock()
	q.items = append(q.items, &memQueueItem{task: task})
	q.cond.Signal()
	q.mu.Unlock()
	return nil
}

func (b *MemBus) Fetch(ctx context.Context, queueName, consumer string, batchSize int, wait time.Duration, visibility time.Duration) ([]FetchedTask, error) {
	if visibility <= 0 {
		visibility = DefaultVisibility
	}
	q := b.queueFor(queueName)
	deadline := time.Now().Add(wait)

	q.mu.Lock()
	for {
		now := time.Now()
		// make timed-out in-flight items visible again (visibility timeout expiry).
		for _, it := range q.items {
			if it.dispatched && !it.acked && now.After(it.visibleAt) {
				it.dispatched = false
			}
		}
		var ready []*memQueueItem
		for _, it := range q.items {
			if !it.dispatched && !it.acked {
				ready = append(ready, it)
				if len(ready) == batchSize {
					break
				}
			}
		}
		if len(ready) > 0 {
			out := make([]FetchedTask, 0, len(ready))
			for _, it := range ready {
				it.dispatched = true
				it.attempt++
				it.visibleAt = time.Now().Add(visibility)
				item := it
				out = append(out, FetchedTask{
					Task: item.task,
					Ack: func() error {
						q.mu.Lock()
						item.acked = true
						q.mu.Unlock()
						return nil
					},
					Nack: func() error {
						q.mu.Lock()
						item.dispatched = false
						q.mu.Unlock()
						q.cond.Broadcast()
						return nil
					},
				})
			}
			q.mu.Unlock()
			return out, nil
		}
		if time.Now().After(deadline) {
			q.mu.Unlock()
			return nil, nil
		}
		remaining := time.Until(deadline)
		waitCh := make(chan struct{})
		go func() {
			time.Sleep(minDuration(remaining, 50*time.Millisecond))
			close(waitCh)
		}()
		q.mu.Unlock()
		select {
		case <-waitCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		q.mu.Lock()
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func (b *MemBus) ResultPublish(ctx context.Context, msg TaskResultMessage) error {
	b.resultMu.Lock()
	chans := append([]chan TaskResultMessage(nil), b.resultSubs[msg.Result.TaskID]...)
	b.resultMu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- msg:
		default:
			go func(c chan TaskResultMessage) { c <- msg }(ch)
		}
	}
	return nil
}

func (b *MemBus) ResultSubscribe(ctx context.Context, taskID string) (<-chan TaskResultMessage, Subscription, error) {
	ch := make(chan TaskResultMessage, 1)
	b.resultMu.Lock()
	b.resultSubs[taskID] = append(b.resultSubs[taskID], ch)
	b.resultMu.Unlock()
	sub := &memResultSub{taskID: taskID, ch: ch, bus: b}
	return ch, sub, nil
}

type memResultSub struct {
	taskID string
	ch     chan TaskResultMessage
	bus    *MemBus
}

func (s *memResultSub) Unsubscribe() error {
	s.bus.resultMu.Lock()
	defer s.bus.resultMu.Unlock()
	list := s.bus.resultSubs[s.taskID]
	for i, c := range list {
		if c == s.ch {
			s.bus.resultSubs[s.taskID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	close(s.ch)
	return nil
}

func (b *MemBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
