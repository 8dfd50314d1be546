// Package phase owns each job's lifecycle position. It advances a job only
// on AND-joins of recorded completion signals and never polls.
package phase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/matchflow/internal/bus"
	"github.com/kiranshivaraju/matchflow/internal/cache"
	"github.com/kiranshivaraju/matchflow/internal/pipeline"
	"github.com/kiranshivaraju/matchflow/internal/store"
	"github.com/kiranshivaraju/matchflow/pkg/models"
)

// Publisher is the subset of bus.Bus the machine needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, correlationID string) error
}

// Machine applies phase signals to jobs.
type Machine struct {
	store    store.Store
	cache    cache.Cache
	pub      Publisher
	topK     int
	cacheTTL time.Duration
}

// Option configures a Machine.
type Option func(*Machine)

// WithCache writes every new phase through to c.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(m *Machine) {
		m.cache = c
		m.cacheTTL = ttl
	}
}

// WithTopK sets the top_k carried by match.request.
func WithTopK(k int) Option {
	return func(m *Machine) { m.topK = k }
}

func NewMachine(s store.Store, pub Publisher, opts ...Option) *Machine {
	m := &Machine{store: s, pub: pub, topK: 20, cacheTTL: 24 * time.Hour}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Apply records signal for jobID and advances the job as far as the
// recorded signals allow. Entry actions for matching and completed are
// published while the job is locked, so a failed publish undoes the
// transition and the signal is redelivered.
func (m *Machine) Apply(ctx context.Context, jobID, signal string) (*store.PhaseChange, error) {
	change, err := m.store.ApplyPhaseSignal(ctx, jobID, signal,
		func(ctx context.Context, job *models.Job, signals map[string]bool) (models.Phase, error) {
			path := Path(job.Phase, signals)
			for _, p := range path {
				if err := m.enter(ctx, job, p); err != nil {
					return "", err
				}
			}
			if len(path) == 0 {
				return job.Phase, nil
			}
			return path[len(path)-1], nil
		})
	if err != nil {
		return nil, err
	}

	if change.Advanced() {
		slog.Info("job phase advanced",
			"job_id", jobID,
			"signal", signal,
			"from", change.From,
			"to", change.To,
		)
		m.writeThrough(ctx, jobID, change.To)
	}
	return change, nil
}

func (m *Machine) enter(ctx context.Context, job *models.Job, p models.Phase) error {
	switch p {
	case models.PhaseMatching:
		req := models.MatchRequest{
			JobID:        job.ID,
			Industry:     job.Industry,
			ProductSetID: job.ID,
			VideoSetID:   job.ID,
			TopK:         m.topK,
		}
		if err := m.pub.Publish(ctx, bus.TopicMatchRequest, req, job.ID); err != nil {
			return fmt.Errorf("publish match request: %w", err)
		}
	case models.PhaseCompleted:
		if err := m.pub.Publish(ctx, bus.TopicJobCompleted, models.JobCompleted{JobID: job.ID}, job.ID); err != nil {
			return fmt.Errorf("publish job completed: %w", err)
		}
	}
	return nil
}

func (m *Machine) writeThrough(ctx context.Context, jobID string, p models.Phase) {
	if m.cache == nil {
		return
	}
	if err := m.cache.SetJobPhase(ctx, jobID, p, m.cacheTTL); err != nil {
		slog.Warn("cache job phase", "job_id", jobID, "phase", p, "error", err)
	}
}

// Register subscribes the machine to every phase signal topic.
func (m *Machine) Register(ctx context.Context, b bus.Bus, deps pipeline.Deps, concurrency int) error {
	for _, topic := range Signals() {
		topic := topic
		name := "phase." + topic
		h := pipeline.Build(deps, pipeline.Spec[models.StageSignal]{
			Name:     name,
			DedupKey: func(ev models.StageSignal) string { return ev.JobID },
			Handle: func(ctx context.Context, ev models.StageSignal, d bus.Delivery) error {
				_, err := m.Apply(ctx, ev.JobID, topic)
				if errors.Is(err, store.ErrNotFound) {
					slog.Info("phase signal for unknown job",
						"handler", name,
						"job_id", ev.JobID,
						"correlation_id", d.CorrelationID,
					)
					return nil
				}
				return err
			},
		})
		if err := b.Subscribe(ctx, topic, h, bus.SubscribeOptions{Consumer: name, Concurrency: concurrency}); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}
