// Package bus implements the topic-addressed pub/sub plus durable work queue contract of
// spec §4.1, coupling the Manager, Workers, and Reconciler.
package bus

import (
	"context"
	"time"

	"github.com/swarmguard/taskscheduler/internal/model"
)

// Envelope wraps every published message with the metadata spec §4.1 requires: envelope id,
// wall-clock timestamp, optional correlation id, the event payload, and free-form metadata.
type Envelope struct {
	ID            string
	Timestamp     time.Time
	CorrelationID string
	Event         model.Event
	Metadata      map[string]string
}

// TaskResultMessage is the payload of the results stream (spec §4.1, §6 "tasks.results").
type TaskResultMessage struct {
	Result model.TaskResult
}

// FetchedTask is one message pulled from the durable queue. Consumers must call Ack after a
// terminal outcome or Nack to request redelivery (spec §4.1).
type FetchedTask struct {
	Task model.QueuedTask
	Ack  func() error
	Nack func() error
}

// Subscription is a handle to an active subscribe call.
type Subscription interface {
	Unsubscribe() error
}

// Event topic subjects (spec §6 "Event topics"). Durable topics requiring at-least-once delivery
// are named by IsDurableTopic; the rest are best-effort informational topics.
const (
	TopicEventsCreated           = "tasks.events.created"
	TopicEventsQueued            = "tasks.events.queued"
	TopicEventsAssigned          = "tasks.events.assigned"
	TopicEventsStarted           = "tasks.events.started"
	TopicEventsProgress          = "tasks.events.progress"
	TopicEventsCompleted         = "tasks.events.completed"
	TopicEventsFailed            = "tasks.events.failed"
	TopicEventsRetrying          = "tasks.events.retrying"
	TopicEventsCancelled         = "tasks.events.cancelled"
	TopicEventsUnsupportedMethod = "tasks.events.unsupported_method"

	TopicWorkersHeartbeat = "workers.events.heartbeat"
	TopicWorkersJoined    = "workers.events.joined"
	TopicWorkersLeft      = "workers.events.left"

	// TopicEventsAll is the wildcard subject a single subscriber uses to observe every task
	// lifecycle event (spec §4.6 "a long-lived subscriber to task.events.*").
	TopicEventsAll = "tasks.events.*"

	QueueTasks = "tasks.queue"

	// ControlTopicPrefix is the per-task control channel a worker subscribes to for
	// cancellation (spec §4.7, §5): the full subject is ControlTopicPrefix + taskID.
	ControlTopicPrefix = "tasks.control."
)

// IsDurableTopic reports whether topic requires durable, at-least-once publish semantics.
func IsDurableTopic(topic string) bool {
	switch topic {
	case TopicEventsCompleted, TopicEventsFailed, TopicEventsCancelled:
		return true
	default:
		return false
	}
}

// TopicForEvent maps an event kind to its publish subject (spec §6).
func TopicForEvent(kind model.EventKind) string {
	switch kind {
	case model.EventCreated:
		return TopicEventsCreated
	case model.EventQueued:
		return TopicEventsQueued
	case model.EventAssigned:
		return TopicEventsAssigned
	case model.EventStarted:
		return TopicEventsStarted
	case model.EventProgress:
		return TopicEventsProgress
	case model.EventCompleted, model.EventDependencyCompleted:
		return TopicEventsCompleted
	case model.EventFailed:
		return TopicEventsFailed
	case model.EventRetrying:
		return TopicEventsRetrying
	case model.EventCancelled:
		return TopicEventsCancelled
	case model.EventUnsupportedMethod:
		return TopicEventsUnsupportedMethod
	case model.EventWorkerHeartbeat:
		return TopicWorkersHeartbeat
	case model.EventWorkerJoined:
		return TopicWorkersJoined
	case model.EventWorkerLeft:
		return TopicWorkersLeft
	default:
		return TopicEventsCreated
	}
}

// ControlTopicForTask is the subject a worker subscribes to in order to receive a Cancelled
// control event for a specific in-flight task (spec §4.7 "control topic").
func ControlTopicForTask(taskID string) string {
	return ControlTopicPrefix + taskID
}

// Bus is the contract every component depends on; implementations are the NATS-backed
// production bus (natsbus.go) and an in-memory bus for single-process/testing use (membus.go).
type Bus interface {
	// Publish is fire-and-forget for informational topics; durable with at-least-once delivery
	// for the topics named by IsDurableTopic.
	Publish(ctx context.Context, topic string, env Envelope) error

	// Subscribe supports a wildcard last segment in topicPattern.
	Subscribe(ctx context.Context, topicPattern string, handler func(context.Context, Envelope)) (Subscription, error)

	// Enqueue appends to the durable work queue, ordered per producer.
	Enqueue(ctx context.Context, queueName string, task model.QueuedTask) error

	// Fetch pulls up to batchSize messages, waiting up to wait for at least one. A fetched
	// message is invisible to other consumers for visibility (default = task timeout + 30s).
	Fetch(ctx context.Context, queueName, consumer string, batchSize int, wait time.Duration, visibility time.Duration) ([]FetchedTask, error)

	// ResultPublish/ResultSubscribe implement the request/response channel for synchronous
	// submissions (spec §4.1).
	ResultPublish(ctx context.Context, msg TaskResultMessage) error
	ResultSubscribe(ctx context.Context, taskID string) (<-chan TaskResultMessage, Subscription, error)

	Close() error
}

// DefaultVisibility is the default visibility timeout when a caller passes 0 (spec §4.1:
// "default = task timeout + 30s"); callers should normally compute task timeout + 30s themselves.
const DefaultVisibility = 30 * time.Second
