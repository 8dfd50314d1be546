package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrStopped is returned when publishing or subscribing on a stopped bus.
var ErrStopped = errors.New("bus stopped")

// DeadLetter is a message removed from the retry path.
type DeadLetter struct {
	Consumer string
	Delivery Delivery
	Err      error
}

// Memory is an in-process Bus with the same ack/redeliver/dead-letter
// semantics as the JetStream adapter. It backs single-process deployments
// (BUS_DRIVER=memory) and tests.
type Memory struct {
	policy RetryPolicy

	mu      sync.Mutex
	subs    map[string][]*memorySub
	dead    []DeadLetter
	pending int
	stopped bool

	stop    chan struct{}
	workers sync.WaitGroup
}

type memoryMsg struct {
	delivery Delivery
}

type memorySub struct {
	consumer string
	handler  Handler
	queue    chan memoryMsg
}

// NewMemory returns an in-process bus using the given retry policy.
func NewMemory(policy RetryPolicy) *Memory {
	return &Memory{
		policy: policy,
		subs:   make(map[string][]*memorySub),
		stop:   make(chan struct{}),
	}
}

// Publish fans the payload out to every consumer subscribed to topic.
func (m *Memory) Publish(_ context.Context, topic string, payload any, correlationID string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}

	d := Delivery{
		Topic:         topic,
		Data:          data,
		CorrelationID: correlationOf(payload, correlationID),
		MessageID:     uuid.NewString(),
		Attempt:       1,
	}
	for _, sub := range m.subs[topic] {
		m.pending++
		go m.enqueue(sub, memoryMsg{delivery: d})
	}
	return nil
}

// Subscribe starts opts.Concurrency workers for the consumer.
func (m *Memory) Subscribe(ctx context.Context, topic string, h Handler, opts SubscribeOptions) error {
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	sub := &memorySub{
		consumer: consumerName(opts.Consumer),
		handler:  h,
		queue:    make(chan memoryMsg),
	}
	m.subs[topic] = append(m.subs[topic], sub)
	m.mu.Unlock()

	hctx := context.WithoutCancel(ctx)
	for i := 0; i < concurrency; i++ {
		m.workers.Add(1)
		go m.work(hctx, sub)
	}
	return nil
}

func (m *Memory) enqueue(sub *memorySub, msg memoryMsg) {
	select {
	case sub.queue <- msg:
	case <-m.stop:
		m.settled()
	}
}

func (m *Memory) work(ctx context.Context, sub *memorySub) {
	defer m.workers.Done()
	for {
		select {
		case <-m.stop:
			return
		case msg := <-sub.queue:
			m.dispatch(ctx, sub, msg)
		}
	}
}

func (m *Memory) dispatch(ctx context.Context, sub *memorySub, msg memoryMsg) {
	err := invoke(ctx, sub.handler, msg.delivery)
	act, delay := m.policy.settle(err, msg.delivery.Attempt)
	switch act {
	case actionAck:
		m.settled()
	case actionTerm:
		slog.Warn("message dead-lettered",
			"topic", msg.delivery.Topic,
			"consumer", sub.consumer,
			"attempt", msg.delivery.Attempt,
			"correlation_id", msg.delivery.CorrelationID,
			"error", err,
		)
		m.mu.Lock()
		m.dead = append(m.dead, DeadLetter{Consumer: sub.consumer, Delivery: msg.delivery, Err: err})
		m.mu.Unlock()
		m.settled()
	case actionNak:
		next := msg
		next.delivery.Attempt++
		time.AfterFunc(delay, func() { m.enqueue(sub, next) })
	}
}

func (m *Memory) settled() {
	m.mu.Lock()
	m.pending--
	m.mu.Unlock()
}

// DeadLetters returns the messages rejected without requeue so far.
func (m *Memory) DeadLetters() []DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeadLetter, len(m.dead))
	copy(out, m.dead)
	return out
}

// WaitIdle blocks until every published message has been acked or
// dead-lettered, including messages published by handlers along the way.
func (m *Memory) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		m.mu.Lock()
		idle := m.pending == 0
		m.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Memory) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	return nil
}

// Stop stops all workers after their current delivery.
func (m *Memory) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	close(m.stop)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain in-flight handlers: %w", ctx.Err())
	}
}

func (m *Memory) Close() error { return nil }

var _ Bus = (*Memory)(nil)
