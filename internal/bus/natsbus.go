package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskscheduler/internal/model"
	"github.com/swarmguard/taskscheduler/internal/resilience"
)

// natsPublishAttempts and natsPublishBackoff bound the per-call resilience.Retry wrapped around
// every outbound NATS write (spec §7 "Bus transport errors are retried at the caller with
// exponential backoff up to a ceiling").
const (
	natsPublishAttempts = 4
	natsPublishBackoff  = 50 * time.Millisecond
)

// NatsBus is the production Bus backed by NATS core pub/sub plus JetStream for the durable
// queue and the durable event topics, adapted from the teacher's libs/go/core/natsctx helpers
// (trace-context propagation over NATS headers) and its control-plane's nats.Connect usage.
type NatsBus struct {
	nc *nats.Conn
	js nats.JetStreamContext

	propagator propagation.TraceContext
	tracer     trace.Tracer
	breakers   *resilience.TopicBreakers
}

// NewNatsBus dials the bus URL, ensures the durable stream backing the task queue and the
// at-least-once event topics exists, and returns a ready Bus.
func NewNatsBus(url string) (*NatsBus, error) {
	nc, err := nats.Connect(url, nats.MaxReconnects(-1), nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bus: jetstream: %w", err)
	}

	b := &NatsBus{nc: nc, js: js, tracer: otel.Tracer("taskscheduler-bus"), breakers: resilience.NewTopicBreakers()}

	if _, err := js.AddStream(&nats.StreamConfig{
		Name:     "TASKS_QUEUE",
		Subjects: []string{QueueTasks + ".>"},
		Storage:  nats.FileStorage,
	}); err != nil && !isStreamExists(err) {
		nc.Close()
		return nil, fmt.Errorf("bus: add queue stream: %w", err)
	}

	if _, err := js.AddStream(&nats.StreamConfig{
		Name:     "TASK_EVENTS_DURABLE",
		Subjects: []string{"tasks.events.completed", "tasks.events.failed", "tasks.events.cancelled"},
		Storage:  nats.FileStorage,
	}); err != nil && !isStreamExists(err) {
		nc.Close()
		return nil, fmt.Errorf("bus: add events stream: %w", err)
	}

	return b, nil
}

func isStreamExists(err error) bool {
	return err != nil && strings.Contains(err.Error(), "already in use")
}

// errCircuitOpen mirrors the bus-side QueueError the reconciler classifies as Temporary (spec
// §4.8), so a topic's breaker tripping open just folds into the same requeue path a slow NATS
// server would already take.
var errCircuitOpen = model.NewError(model.ErrKindQueueError, "bus: circuit open for topic")

func (b *NatsBus) Publish(ctx context.Context, topic string, env Envelope) error {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: marshal envelope: %w", err)
	}

	hdr := nats.Header{}
	b.propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: topic, Data: data, Header: hdr}

	if !b.breakers.Allow(topic) {
		return errCircuitOpen
	}
	_, err = resilience.Retry(ctx, natsPublishAttempts, natsPublishBackoff, func() (struct{}, error) {
		if IsDurableTopic(topic) {
			_, err := b.js.PublishMsg(msg)
			return struct{}{}, err
		}
		return struct{}{}, b.nc.PublishMsg(msg)
	})
	b.breakers.RecordResult(topic, err == nil)
	return err
}

func (b *NatsBus) Subscribe(ctx context.Context, topicPattern string, handler func(context.Context, Envelope)) (Subscription, error) {
	subject := toNatsSubject(topicPattern)
	sub, err := b.nc.Subscribe(subject, func(m *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			return
		}
		carrier := propagation.HeaderCarrier(m.Header)
		msgCtx := b.propagator.Extract(context.Background(), carrier)
		msgCtx, span := b.tracer.Start(msgCtx, "nats.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		handler(msgCtx, env)
		span.End()
	})
	if err != nil {
		return nil, err
	}
	return natsSub{sub}, nil
}

// toNatsSubject converts a "*"-suffixed wildcard pattern (spec §4.1 "wildcard last segment")
// into NATS' own single-token wildcard.
func toNatsSubject(pattern string) string {
	if strings.HasSuffix(pattern, ".*") {
		return pattern
	}
	return pattern
}

type natsSub struct{ sub *nats.Subscription }

func (s natsSub) Unsubscribe() error { return s.sub.Unsubscribe() }

func (b *NatsBus) Enqueue(ctx context.Context, queueName string, task model.QueuedTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("bus: marshal queued task: %w", err)
	}

	if !b.breakers.Allow(queueName) {
		return errCircuitOpen
	}
	_, err = resilience.Retry(ctx, natsPublishAttempts, natsPublishBackoff, func() (struct{}, error) {
		_, err := b.js.Publish(queueName+"."+task.TaskID, data)
		return struct{}{}, err
	})
	b.breakers.RecordResult(queueName, err == nil)
	return err
}

func (b *NatsBus) Fetch(ctx context.Context, queueName, consumer string, batchSize int, wait time.Duration, visibility time.Duration) ([]FetchedTask, error) {
	if visibility <= 0 {
		visibility = DefaultVisibility
	}
	sub, err := b.js.PullSubscribe(queueName+".>", consumer,
		nats.ManualAck(),
		nats.AckWait(visibility),
		nats.DeliverAll(),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: pull subscribe: %w", err)
	}

	msgs, err := sub.Fetch(batchSize, nats.MaxWait(wait))
	if err != nil && err != nats.ErrTimeout {
		return nil, fmt.Errorf("bus: fetch: %w", err)
	}

	out := make([]FetchedTask, 0, len(msgs))
	for _, m := range msgs {
		var task model.QueuedTask
		if err := json.Unmarshal(m.Data, &task); err != nil {
			_ = m.Nak()
			continue
		}
		msg := m
		out = append(out, FetchedTask{
			Task: task,
			Ack:  func() error { return msg.Ack() },
			Nack: func() error { return msg.Nak() },
		})
	}
	return out, nil
}

func (b *NatsBus) ResultPublish(ctx context.Context, msg TaskResultMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bus: marshal result: %w", err)
	}
	return b.nc.Publish("tasks.results."+msg.Result.TaskID, data)
}

func (b *NatsBus) ResultSubscribe(ctx context.Context, taskID string) (<-chan TaskResultMessage, Subscription, error) {
	ch := make(chan TaskResultMessage, 1)
	sub, err := b.nc.Subscribe("tasks.results."+taskID, func(m *nats.Msg) {
		var msg TaskResultMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			return
		}
		select {
		case ch <- msg:
		default:
		}
	})
	if err != nil {
		close(ch)
		return nil, nil, err
	}
	return ch, natsSub{sub}, nil
}

func (b *NatsBus) Close() error {
	b.nc.Close()
	return nil
}
