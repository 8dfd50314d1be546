package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/matchflow/internal/bus"
	"github.com/kiranshivaraju/matchflow/internal/inference"
	"github.com/kiranshivaraju/matchflow/internal/pipeline"
	"github.com/kiranshivaraju/matchflow/pkg/models"
)

// CandidateSource returns the scored candidates of every (product, video)
// pair in a match request.
type CandidateSource interface {
	Candidates(ctx context.Context, req models.MatchRequest) ([]models.PairCandidates, error)
}

// Publisher is the subset of bus.Bus the stage needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, correlationID string) error
}

// Stage consumes match.request and publishes a match.result per accepted
// pair followed by match.request.completed.
type Stage struct {
	source     CandidateSource
	pub        Publisher
	jobs       pipeline.JobReader
	thresholds Thresholds
}

func NewStage(source CandidateSource, pub Publisher, jobs pipeline.JobReader, th Thresholds) *Stage {
	return &Stage{source: source, pub: pub, jobs: jobs, thresholds: th}
}

// Register subscribes the stage to match.request. Requests are claimed per job.
func (s *Stage) Register(ctx context.Context, b bus.Bus, deps pipeline.Deps, concurrency int) error {
	h := pipeline.Build(deps, pipeline.Spec[models.MatchRequest]{
		Name:          "matching",
		DedupKey:      func(req models.MatchRequest) string { return req.JobID },
		SkipCancelled: true,
		Handle: func(ctx context.Context, req models.MatchRequest, _ bus.Delivery) error {
			_, err := s.Match(ctx, req)
			return err
		},
	})
	if err := b.Subscribe(ctx, bus.TopicMatchRequest, h,
		bus.SubscribeOptions{Consumer: "matching", Concurrency: concurrency}); err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.TopicMatchRequest, err)
	}
	return nil
}

// Match scores every pair of the request and publishes the accepted ones.
// It returns the number of published results. Nothing is published if the
// job stopped while candidates were being scored.
func (s *Stage) Match(ctx context.Context, req models.MatchRequest) (int, error) {
	pairs, err := s.source.Candidates(ctx, req)
	if errors.Is(err, inference.ErrRejected) {
		return 0, bus.Permanent(fmt.Errorf("fetch candidates: %w", err))
	}
	if err != nil {
		return 0, fmt.Errorf("fetch candidates: %w", err)
	}

	var results []models.MatchResult
	for _, pair := range pairs {
		d := Aggregate(pair.Candidates, s.thresholds)
		if !d.Accepted {
			slog.Info("pair rejected",
				"job_id", req.JobID,
				"product_id", pair.ProductID,
				"video_id", pair.VideoID,
				"reason", d.Reason,
				"best", d.Best,
				"final", d.Final,
				"consistency", d.Consistency,
				"total_pairs", d.TotalPairs,
			)
			continue
		}
		results = append(results, d.Result(req.JobID, pair.ProductID, pair.VideoID))
	}

	active, err := pipeline.JobActive(ctx, s.jobs, req.JobID)
	if err != nil {
		return 0, err
	}
	if !active {
		slog.Info("job stopped during matching, dropping results", "job_id", req.JobID, "accepted", len(results))
		return 0, nil
	}

	for _, r := range results {
		if err := s.pub.Publish(ctx, bus.TopicMatchResult, r, req.JobID); err != nil {
			return 0, fmt.Errorf("publish match result: %w", err)
		}
	}

	done := models.MatchRequestCompleted{JobID: req.JobID, TotalResults: len(results)}
	if err := s.pub.Publish(ctx, bus.TopicMatchRequestCompleted, done, req.JobID); err != nil {
		return 0, fmt.Errorf("publish match request completed: %w", err)
	}

	slog.Info("matching completed", "job_id", req.JobID, "pairs", len(pairs), "accepted", len(results))
	return len(results), nil
}
