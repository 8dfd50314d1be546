package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamConfig configures the NATS JetStream adapter.
type JetStreamConfig struct {
	URL        string
	Stream     string
	ClientName string
	AckWait    time.Duration
	MaxAge     time.Duration
	Retry      RetryPolicy
}

// JetStream implements Bus on a single NATS JetStream stream. Every topic is
// a subject under the stream prefix; every subscription is a durable pull
// consumer with explicit acks and MaxAckPending set to its concurrency.
type JetStream struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	stream  jetstream.Stream
	prefix  string
	ackWait time.Duration
	policy  RetryPolicy

	mu       sync.Mutex
	consumes []jetstream.ConsumeContext
	inflight sync.WaitGroup
}

// NewJetStream connects to NATS and ensures the stream exists.
func NewJetStream(ctx context.Context, cfg JetStreamConfig) (*JetStream, error) {
	if cfg.Stream == "" {
		cfg.Stream = "MATCHFLOW"
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 5 * time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy
	}

	nc, err := nats.Connect(cfg.URL, nats.Name(cfg.ClientName), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	prefix := strings.ToLower(cfg.Stream)
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{prefix + ".>"},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
		MaxAge:    cfg.MaxAge,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}

	return &JetStream{
		nc:      nc,
		js:      js,
		stream:  stream,
		prefix:  prefix,
		ackWait: cfg.AckWait,
		policy:  cfg.Retry,
	}, nil
}

func (j *JetStream) subject(topic string) string {
	return j.prefix + "." + topic
}

// Publish sends payload as JSON, retrying transient publish failures a few
// times before giving up.
func (j *JetStream) Publish(ctx context.Context, topic string, payload any, correlationID string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}

	msg := nats.NewMsg(j.subject(topic))
	msg.Data = data
	if cid := correlationOf(payload, correlationID); cid != "" {
		msg.Header.Set(HeaderCorrelationID, cid)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	op := func() error {
		_, err := j.js.PublishMsg(ctx, msg)
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, 3), ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe creates (or updates) the durable consumer and starts consuming.
func (j *JetStream) Subscribe(ctx context.Context, topic string, h Handler, opts SubscribeOptions) error {
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	durable := consumerName(opts.Consumer)
	if durable == "" {
		durable = consumerName(topic)
	}

	cons, err := j.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: j.subject(topic),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       j.ackWait,
		MaxDeliver:    j.policy.MaxDeliver,
		MaxAckPending: concurrency,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", durable, err)
	}

	hctx := context.WithoutCancel(ctx)
	sem := make(chan struct{}, concurrency)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		sem <- struct{}{}
		j.inflight.Add(1)
		go func() {
			defer func() {
				<-sem
				j.inflight.Done()
			}()
			j.dispatch(hctx, topic, durable, h, msg)
		}()
	}, jetstream.PullMaxMessages(concurrency))
	if err != nil {
		return fmt.Errorf("consume %s: %w", durable, err)
	}

	j.mu.Lock()
	j.consumes = append(j.consumes, cc)
	j.mu.Unlock()

	slog.Info("bus consumer started", "topic", topic, "consumer", durable, "concurrency", concurrency)
	return nil
}

func (j *JetStream) dispatch(ctx context.Context, topic, durable string, h Handler, msg jetstream.Msg) {
	d := Delivery{
		Topic:         topic,
		Data:          msg.Data(),
		CorrelationID: msg.Headers().Get(HeaderCorrelationID),
		Attempt:       1,
	}
	if meta, err := msg.Metadata(); err == nil {
		d.Attempt = int(meta.NumDelivered)
		d.MessageID = strconv.FormatUint(meta.Sequence.Stream, 10)
	}

	err := invoke(ctx, h, d)
	act, delay := j.policy.settle(err, d.Attempt)

	var ackErr error
	switch act {
	case actionAck:
		ackErr = msg.Ack()
	case actionTerm:
		slog.Warn("message dead-lettered",
			"topic", topic,
			"consumer", durable,
			"attempt", d.Attempt,
			"correlation_id", d.CorrelationID,
			"error", err,
		)
		ackErr = msg.Term()
	case actionNak:
		ackErr = msg.NakWithDelay(delay)
	}
	if ackErr != nil {
		slog.Warn("bus settle failed", "topic", topic, "consumer", durable, "error", ackErr)
	}
}

// Ping round-trips to the NATS server.
func (j *JetStream) Ping(ctx context.Context) error {
	return j.nc.FlushWithContext(ctx)
}

// Stop stops every consumer and waits for in-flight handlers.
func (j *JetStream) Stop(ctx context.Context) error {
	j.mu.Lock()
	consumes := j.consumes
	j.consumes = nil
	j.mu.Unlock()

	for _, cc := range consumes {
		cc.Stop()
	}

	done := make(chan struct{})
	go func() {
		j.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain in-flight handlers: %w", ctx.Err())
	}
}

// Close flushes pending publishes and closes the connection.
func (j *JetStream) Close() error {
	if err := j.nc.Drain(); err != nil {
		j.nc.Close()
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}

var _ Bus = (*JetStream)(nil)
