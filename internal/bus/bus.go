// Package bus is the topic-based publish/subscribe adapter shared by every
// pipeline stage. Delivery is at-least-once: a handler returning nil acks the
// message, a Permanent error dead-letters it, any other error redelivers it
// after a backoff delay.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// HeaderCorrelationID carries the correlation id on every message.
const HeaderCorrelationID = "Correlation-Id"

// Delivery is one attempt at handing a message to a subscriber.
type Delivery struct {
	Topic         string
	Data          []byte
	CorrelationID string
	Attempt       int
	MessageID     string
}

// Decode unmarshals the payload into v.
func (d Delivery) Decode(v any) error {
	if err := json.Unmarshal(d.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", d.Topic, err)
	}
	return nil
}

// Handler processes a delivery.
type Handler func(ctx context.Context, d Delivery) error

// SubscribeOptions configures one consumer of a topic.
type SubscribeOptions struct {
	// Consumer names the durable consumer. Distinct consumers of the same
	// topic each receive every message.
	Consumer string
	// Concurrency bounds unacknowledged deliveries held at once (prefetch).
	Concurrency int
}

// Bus is implemented by JetStream and Memory.
type Bus interface {
	Publish(ctx context.Context, topic string, payload any, correlationID string) error
	Subscribe(ctx context.Context, topic string, h Handler, opts SubscribeOptions) error
	Ping(ctx context.Context) error
	// Stop stops consuming and waits for in-flight handlers to finish.
	Stop(ctx context.Context) error
	Close() error
}

// permanentError marks a failure that must never be redelivered.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the adapter rejects the message without requeue.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// RetryPolicy controls transient-failure redelivery.
type RetryPolicy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxDeliver int
}

// DefaultRetryPolicy is used when no policy is configured.
var DefaultRetryPolicy = RetryPolicy{
	BaseDelay:  time.Second,
	MaxDelay:   time.Minute,
	MaxDeliver: 10,
}

// Delay returns the backoff before redelivering after the given attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

type action int

const (
	actionAck action = iota
	actionNak
	actionTerm
)

// settle maps a handler result onto the broker action.
func (p RetryPolicy) settle(err error, attempt int) (action, time.Duration) {
	switch {
	case err == nil:
		return actionAck, 0
	case IsPermanent(err):
		return actionTerm, 0
	case p.MaxDeliver > 0 && attempt >= p.MaxDeliver:
		return actionTerm, 0
	default:
		return actionNak, p.Delay(attempt)
	}
}

// invoke runs h and converts a panic into a permanent failure.
func invoke(ctx context.Context, h Handler, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("handler panic on %s: %v", d.Topic, r))
		}
	}()
	return h(ctx, d)
}

// correlationOf defaults the correlation id to the payload's job id.
func correlationOf(payload any, correlationID string) string {
	if correlationID != "" {
		return correlationID
	}
	if j, ok := payload.(interface{ Job() string }); ok {
		return j.Job()
	}
	return ""
}

// consumerName turns a topic-derived name into a valid durable name.
func consumerName(name string) string {
	return strings.NewReplacer(".", "-", "*", "all", ">", "rest", " ", "-").Replace(name)
}
