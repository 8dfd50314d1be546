// Package stage runs the per-asset workers: segmentation, embeddings and
// keypoints over product images and video keyframes.
//
// A stage learns how many assets to expect from a batch announcement and
// counts processed assets in a batch.Tracker. Announcements and assets may
// arrive in any order; whichever event completes the batch publishes the
// stage's completion topic exactly once.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/matchflow/internal/batch"
	"github.com/kiranshivaraju/matchflow/internal/bus"
	"github.com/kiranshivaraju/matchflow/internal/inference"
	"github.com/kiranshivaraju/matchflow/internal/pipeline"
	"github.com/kiranshivaraju/matchflow/pkg/models"
)

// Processor does the expensive work for one asset and describes its output.
type Processor interface {
	Process(ctx context.Context, ev models.AssetEvent) (models.AssetEvent, error)
}

// Publisher is the subset of bus.Bus a stage needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, correlationID string) error
}

// Definition wires a stage to its topics.
type Definition struct {
	Name      string
	Task      string
	BatchType string
	// BatchTopic announces the number of assets with total_count.
	BatchTopic string
	AssetTopic string
	// OutputTopic receives one event per processed asset. Empty for none.
	OutputTopic    string
	CompletedTopic string
	Concurrency    int
}

// Stage is one running Definition.
type Stage struct {
	def     Definition
	proc    Processor
	tracker batch.Tracker
	pub     Publisher
	jobs    pipeline.JobReader
}

func New(def Definition, proc Processor, tracker batch.Tracker, pub Publisher, jobs pipeline.JobReader) *Stage {
	return &Stage{def: def, proc: proc, tracker: tracker, pub: pub, jobs: jobs}
}

// Definition returns the stage's wiring.
func (s *Stage) Definition() Definition { return s.def }

// Register subscribes the stage to its batch and asset topics.
func (s *Stage) Register(ctx context.Context, b bus.Bus, deps pipeline.Deps) error {
	announce := pipeline.Build(deps, pipeline.Spec[models.StageSignal]{
		Name:          s.def.Name + ".batch",
		DedupKey:      func(ev models.StageSignal) string { return ev.JobID },
		SkipCancelled: true,
		Handle: func(ctx context.Context, ev models.StageSignal, _ bus.Delivery) error {
			return s.Open(ctx, ev)
		},
	})
	if err := b.Subscribe(ctx, s.def.BatchTopic, announce,
		bus.SubscribeOptions{Consumer: s.def.Name + ".batch", Concurrency: s.def.Concurrency}); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.def.BatchTopic, err)
	}

	assets := pipeline.Build(deps, pipeline.Spec[models.AssetEvent]{
		Name:          s.def.Name,
		DedupKey:      func(ev models.AssetEvent) string { return ev.JobID + ":" + ev.AssetID },
		SkipCancelled: true,
		Handle: func(ctx context.Context, ev models.AssetEvent, _ bus.Delivery) error {
			return s.Process(ctx, ev)
		},
	})
	if err := b.Subscribe(ctx, s.def.AssetTopic, assets,
		bus.SubscribeOptions{Consumer: s.def.Name, Concurrency: s.def.Concurrency}); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.def.AssetTopic, err)
	}
	return nil
}

// Open records the announced batch size. An announcement without a
// total_count cannot be counted against and is rejected.
func (s *Stage) Open(ctx context.Context, ev models.StageSignal) error {
	if ev.TotalCount == nil {
		return bus.Permanent(fmt.Errorf("%w: %s requires total_count", models.ErrInvalidEvent, s.def.BatchTopic))
	}
	fired, err := s.tracker.Open(ctx, ev.JobID, s.def.BatchType, *ev.TotalCount)
	if err != nil {
		return fmt.Errorf("open %s batch: %w", s.def.BatchType, err)
	}
	if fired {
		return s.complete(ctx, ev.JobID)
	}
	return nil
}

// Process runs the processor on one asset, publishes its output and counts it.
func (s *Stage) Process(ctx context.Context, ev models.AssetEvent) error {
	out, err := s.proc.Process(ctx, ev)
	if errors.Is(err, inference.ErrRejected) {
		return bus.Permanent(fmt.Errorf("%s asset %s: %w", s.def.Task, ev.AssetID, err))
	}
	if err != nil {
		return fmt.Errorf("%s asset %s: %w", s.def.Task, ev.AssetID, err)
	}

	active, err := pipeline.JobActive(ctx, s.jobs, ev.JobID)
	if err != nil {
		return err
	}
	if !active {
		slog.Info("job stopped during processing, dropping output",
			"handler", s.def.Name, "job_id", ev.JobID, "asset_id", ev.AssetID)
		return nil
	}

	if s.def.OutputTopic != "" {
		out.JobID = ev.JobID
		out.AssetID = ev.AssetID
		out.EventID = uuid.NewString()
		if err := s.pub.Publish(ctx, s.def.OutputTopic, out, ev.JobID); err != nil {
			return fmt.Errorf("publish %s: %w", s.def.OutputTopic, err)
		}
	}

	fired, err := s.tracker.Increment(ctx, ev.JobID, s.def.BatchType, ev.AssetID)
	if err != nil {
		return fmt.Errorf("count %s asset: %w", s.def.BatchType, err)
	}
	if fired {
		return s.complete(ctx, ev.JobID)
	}
	return nil
}

// complete publishes the stage's completion signal. A failed publish
// re-arms the batch so the redelivered event fires it again.
func (s *Stage) complete(ctx context.Context, jobID string) error {
	active, err := pipeline.JobActive(ctx, s.jobs, jobID)
	if err != nil {
		return err
	}
	if !active {
		slog.Info("job stopped, batch completion dropped", "handler", s.def.Name, "job_id", jobID)
		return nil
	}

	p, err := s.tracker.Progress(ctx, jobID, s.def.BatchType)
	if err != nil {
		return fmt.Errorf("read %s batch: %w", s.def.BatchType, err)
	}

	total := p.Total
	sig := models.StageSignal{JobID: jobID, EventID: uuid.NewString(), TotalCount: &total}
	if err := s.pub.Publish(ctx, s.def.CompletedTopic, sig, jobID); err != nil {
		if rearmErr := s.tracker.Rearm(ctx, jobID, s.def.BatchType); rearmErr != nil && !errors.Is(rearmErr, batch.ErrBatchNotOpen) {
			slog.Error("rearm batch", "handler", s.def.Name, "job_id", jobID, "error", rearmErr)
		}
		return fmt.Errorf("publish %s: %w", s.def.CompletedTopic, err)
	}

	slog.Info("batch completed", "handler", s.def.Name, "job_id", jobID, "topic", s.def.CompletedTopic, "total", total)
	return nil
}
