// Package pipeline builds bus handlers out of explicit steps:
//
//	log-and-classify → decode+validate → cancellation guard → claim → execute
//
// Every stage consumer is assembled with Build so the error taxonomy is
// applied the same way everywhere.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/kiranshivaraju/matchflow/internal/bus"
	"github.com/kiranshivaraju/matchflow/internal/ledger"
	"github.com/kiranshivaraju/matchflow/internal/store"
	"github.com/kiranshivaraju/matchflow/pkg/models"
)

// Event is implemented by every bus payload.
type Event interface {
	Job() string
	Validate() error
}

// eventIDer is implemented by payloads that carry a producer event id.
type eventIDer interface {
	Event() string
}

// JobReader is the subset of store.Store the guard needs.
type JobReader interface {
	GetJob(ctx context.Context, id string) (*models.Job, error)
}

// Deps are the collaborators shared by all handlers.
type Deps struct {
	Ledger ledger.Ledger
	Jobs   JobReader
}

// Step is one typed stage of a handler.
type Step[T Event] func(ctx context.Context, ev T, d bus.Delivery) error

// Middleware wraps a Step.
type Middleware[T Event] func(next Step[T]) Step[T]

// Spec describes one consumer.
type Spec[T Event] struct {
	// Name identifies the handler in logs and is the ledger event type.
	Name string
	// DedupKey returns the business key claimed before Handle runs. A nil
	// DedupKey skips the claim step. An empty key falls back to the
	// payload's event id, then to the transport message id.
	DedupKey func(ev T) string
	// SkipCancelled drops events for cancelled, deleted or unknown jobs
	// before any work is done.
	SkipCancelled bool
	Handle        Step[T]
}

// Chain applies mws to h; the first middleware is the outermost.
func Chain[T Event](h Step[T], mws ...Middleware[T]) Step[T] {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Build assembles the bus handler for spec.
func Build[T Event](deps Deps, spec Spec[T]) bus.Handler {
	var mws []Middleware[T]
	if spec.SkipCancelled {
		mws = append(mws, CancelGuard[T](spec.Name, deps.Jobs))
	}
	if spec.DedupKey != nil {
		mws = append(mws, Claim[T](spec.Name, deps.Ledger, spec.DedupKey))
	}
	return Classify(spec.Name, Decode(Chain(spec.Handle, mws...)))
}

// Decode unmarshals and validates the payload. Both failures are poison
// messages and are marked permanent.
func Decode[T Event](next Step[T]) bus.Handler {
	return func(ctx context.Context, d bus.Delivery) error {
		var ev T
		if err := d.Decode(&ev); err != nil {
			return bus.Permanent(fmt.Errorf("%w: %v", models.ErrInvalidEvent, err))
		}
		if err := ev.Validate(); err != nil {
			return bus.Permanent(err)
		}
		return next(ctx, ev, d)
	}
}

// CancelGuard acknowledges events whose job is gone or stopped without
// running the rest of the chain.
func CancelGuard[T Event](name string, jobs JobReader) Middleware[T] {
	return func(next Step[T]) Step[T] {
		return func(ctx context.Context, ev T, d bus.Delivery) error {
			active, err := JobActive(ctx, jobs, ev.Job())
			if err != nil {
				return err
			}
			if !active {
				slog.Info("skipping event for inactive job",
					"handler", name,
					"job_id", ev.Job(),
					"topic", d.Topic,
					"correlation_id", d.CorrelationID,
				)
				return nil
			}
			return next(ctx, ev, d)
		}
	}
}

// JobActive reports whether stage work may still be done for jobID.
// Unknown jobs are reported inactive.
func JobActive(ctx context.Context, jobs JobReader, jobID string) (bool, error) {
	job, err := jobs.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load job %s: %w", jobID, err)
	}
	return !job.Stopped(), nil
}

// Claim runs next under a ledger claim. Duplicates are acknowledged.
func Claim[T Event](name string, l ledger.Ledger, dedupKey func(T) string) Middleware[T] {
	return func(next Step[T]) Step[T] {
		return func(ctx context.Context, ev T, d bus.Delivery) error {
			key := ledger.Key{EventType: name, DedupKey: dedupKey(ev)}
			if key.DedupKey == "" {
				if e, ok := any(ev).(eventIDer); ok {
					key.EventID = e.Event()
				}
				if key.EventID == "" {
					key.EventID = d.MessageID
				}
			}

			ran, err := l.WithClaim(ctx, key, func(ctx context.Context) error {
				return next(ctx, ev, d)
			})
			if err != nil {
				return err
			}
			if !ran {
				slog.Info("duplicate event skipped",
					"handler", name,
					"job_id", ev.Job(),
					"dedup_key", key.DedupKey,
					"event_id", key.EventID,
					"correlation_id", d.CorrelationID,
				)
			}
			return nil
		}
	}
}

// Classify is the outermost step: it recovers panics, logs failures with
// their context and hands the classified error back to the bus.
func Classify(name string, next bus.Handler) bus.Handler {
	return func(ctx context.Context, d bus.Delivery) (err error) {
		log := slog.With(
			"handler", name,
			"topic", d.Topic,
			"correlation_id", d.CorrelationID,
			"message_id", d.MessageID,
			"attempt", d.Attempt,
		)

		defer func() {
			if r := recover(); r != nil {
				log.Error("handler panic", "panic", r, "stack", string(debug.Stack()))
				err = bus.Permanent(fmt.Errorf("%s panic: %v", name, r))
			}
		}()

		err = next(ctx, d)
		switch {
		case err == nil:
		case bus.IsPermanent(err):
			log.Error("handler failed permanently", "error", err)
		default:
			log.Warn("handler failed, will retry", "error", err)
		}
		return err
	}
}
