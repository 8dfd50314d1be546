package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/matchflow/internal/bus"
	"github.com/kiranshivaraju/matchflow/internal/pipeline"
	"github.com/kiranshivaraju/matchflow/pkg/models"
)

// Register subscribes the controller's listeners: video association on
// videos.search.completed and tracker housekeeping on the terminal
// broadcasts.
func (c *Controller) Register(ctx context.Context, b bus.Bus, deps pipeline.Deps, concurrency int) error {
	videos := pipeline.Build(deps, pipeline.Spec[models.StageSignal]{
		Name:          "lifecycle.videos",
		// Search producers carry no business key; claim on event_id.
		DedupKey:      func(models.StageSignal) string { return "" },
		SkipCancelled: true,
		Handle: func(ctx context.Context, ev models.StageSignal, _ bus.Delivery) error {
			return c.associateVideos(ctx, ev)
		},
	})
	if err := b.Subscribe(ctx, bus.TopicVideosSearchCompleted, videos,
		bus.SubscribeOptions{Consumer: "lifecycle.videos", Concurrency: concurrency}); err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.TopicVideosSearchCompleted, err)
	}

	for _, topic := range []string{bus.TopicJobCancelled, bus.TopicJobDeleted, bus.TopicJobCompleted} {
		topic := topic
		name := "lifecycle.housekeeping." + topic
		h := pipeline.Build(deps, pipeline.Spec[models.JobCompleted]{
			Name: name,
			Handle: func(ctx context.Context, ev models.JobCompleted, _ bus.Delivery) error {
				return c.release(ctx, ev.JobID, topic)
			},
		})
		if err := b.Subscribe(ctx, topic, h, bus.SubscribeOptions{Consumer: name, Concurrency: concurrency}); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}

// associateVideos records the found videos against the job. Rows that
// already exist are left alone.
func (c *Controller) associateVideos(ctx context.Context, ev models.StageSignal) error {
	if len(ev.Videos) == 0 {
		return nil
	}
	n, err := c.store.AssociateVideos(ctx, ev.JobID, ev.Videos)
	if err != nil {
		return fmt.Errorf("associate videos: %w", err)
	}
	slog.Info("videos associated", "job_id", ev.JobID, "found", len(ev.Videos), "new", n)
	return nil
}

// release drops tracker state and the cached phase once a job can no
// longer make progress. Both are idempotent, so no claim is needed.
func (c *Controller) release(ctx context.Context, jobID, reason string) error {
	if c.tracker != nil {
		if err := c.tracker.Clear(ctx, jobID); err != nil {
			return fmt.Errorf("clear batches: %w", err)
		}
	}
	if c.cache != nil {
		if err := c.cache.DeleteJobPhase(ctx, jobID); err != nil {
			return fmt.Errorf("drop cached phase: %w", err)
		}
	}
	slog.Info("job state released", "job_id", jobID, "reason", reason)
	return nil
}
