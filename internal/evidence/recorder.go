// Package evidence persists accepted match results and closes the job's
// evidence phase once every announced result has been recorded.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/matchflow/internal/batch"
	"github.com/kiranshivaraju/matchflow/internal/bus"
	"github.com/kiranshivaraju/matchflow/internal/pipeline"
	"github.com/kiranshivaraju/matchflow/internal/store"
	"github.com/kiranshivaraju/matchflow/pkg/models"
)

// Publisher is the subset of bus.Bus the recorder needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, correlationID string) error
}

// Recorder consumes match.result and match.request.completed.
type Recorder struct {
	store   store.Store
	tracker batch.Tracker
	pub     Publisher
}

func NewRecorder(s store.Store, tracker batch.Tracker, pub Publisher) *Recorder {
	return &Recorder{store: s, tracker: tracker, pub: pub}
}

// ResultKey is the ledger dedup key of a match result.
func ResultKey(r models.MatchResult) string {
	return r.JobID + ":" + r.PairKey()
}

// Register subscribes the recorder's consumers.
func (r *Recorder) Register(ctx context.Context, b bus.Bus, deps pipeline.Deps, concurrency int) error {
	results := pipeline.Build(deps, pipeline.Spec[models.MatchResult]{
		Name:          "evidence.record",
		DedupKey:      ResultKey,
		SkipCancelled: true,
		Handle: func(ctx context.Context, res models.MatchResult, _ bus.Delivery) error {
			return r.Record(ctx, res)
		},
	})
	if err := b.Subscribe(ctx, bus.TopicMatchResult, results,
		bus.SubscribeOptions{Consumer: "evidence.record", Concurrency: concurrency}); err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.TopicMatchResult, err)
	}

	totals := pipeline.Build(deps, pipeline.Spec[models.MatchRequestCompleted]{
		Name:          "evidence.total",
		DedupKey:      func(ev models.MatchRequestCompleted) string { return ev.JobID },
		SkipCancelled: true,
		Handle: func(ctx context.Context, ev models.MatchRequestCompleted, _ bus.Delivery) error {
			return r.Expect(ctx, ev.JobID, ev.TotalResults)
		},
	})
	if err := b.Subscribe(ctx, bus.TopicMatchRequestCompleted, totals,
		bus.SubscribeOptions{Consumer: "evidence.total", Concurrency: concurrency}); err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.TopicMatchRequestCompleted, err)
	}
	return nil
}

// Record persists one result and counts it towards the job's evidence batch.
func (r *Recorder) Record(ctx context.Context, res models.MatchResult) error {
	err := r.store.InsertEvidence(ctx, models.NewEvidence(res))
	switch {
	case store.IsDuplicateKeyError(err):
		slog.Info("evidence already stored", "job_id", res.JobID, "product_id", res.ProductID, "video_id", res.VideoID)
	case err != nil:
		return fmt.Errorf("insert evidence: %w", err)
	default:
		slog.Info("evidence recorded",
			"job_id", res.JobID,
			"product_id", res.ProductID,
			"video_id", res.VideoID,
			"score", res.Score,
		)
	}

	fired, err := r.tracker.Increment(ctx, res.JobID, batch.Evidence, res.PairKey())
	if err != nil {
		return fmt.Errorf("count evidence: %w", err)
	}
	if fired {
		return r.complete(ctx, res.JobID)
	}
	return nil
}

// Expect opens the evidence batch with the number of results matching announced.
func (r *Recorder) Expect(ctx context.Context, jobID string, total int) error {
	fired, err := r.tracker.Open(ctx, jobID, batch.Evidence, total)
	if err != nil {
		return fmt.Errorf("open evidence batch: %w", err)
	}
	if fired {
		return r.complete(ctx, jobID)
	}
	return nil
}

// complete publishes evidence.completed. A failed publish re-arms the batch
// so the redelivered event fires it again.
func (r *Recorder) complete(ctx context.Context, jobID string) error {
	active, err := pipeline.JobActive(ctx, r.store, jobID)
	if err != nil {
		return err
	}
	if !active {
		slog.Info("job stopped, evidence completion dropped", "job_id", jobID)
		return nil
	}

	p, err := r.tracker.Progress(ctx, jobID, batch.Evidence)
	if err != nil {
		return fmt.Errorf("read evidence batch: %w", err)
	}

	total := p.Total
	ev := models.StageSignal{JobID: jobID, EventID: uuid.NewString(), TotalCount: &total}
	if err := r.pub.Publish(ctx, bus.TopicEvidenceCompleted, ev, jobID); err != nil {
		if rearmErr := r.tracker.Rearm(ctx, jobID, batch.Evidence); rearmErr != nil && !errors.Is(rearmErr, batch.ErrBatchNotOpen) {
			slog.Error("rearm evidence batch", "job_id", jobID, "error", rearmErr)
		}
		return fmt.Errorf("publish evidence completed: %w", err)
	}

	slog.Info("evidence completed", "job_id", jobID, "total", total)
	return nil
}
