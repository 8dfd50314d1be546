// Package lifecycle starts, cancels and deletes jobs. Cancellation is
// cooperative: the controller records it and broadcasts job.cancelled, and
// every stage checks the job before doing more work.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/matchflow/internal/batch"
	"github.com/kiranshivaraju/matchflow/internal/bus"
	"github.com/kiranshivaraju/matchflow/internal/cache"
	"github.com/kiranshivaraju/matchflow/internal/store"
	"github.com/kiranshivaraju/matchflow/pkg/models"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrJobExists      = errors.New("job already exists")
	ErrJobActive      = store.ErrJobActive
	ErrNotFound       = store.ErrNotFound
)

// Publisher is the subset of bus.Bus the controller needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, correlationID string) error
}

// StartRequest describes a new job.
type StartRequest struct {
	JobID        string   `json:"job_id,omitempty"`
	Industry     string   `json:"industry"`
	Queries      []string `json:"queries,omitempty"`
	Platforms    []string `json:"platforms,omitempty"`
	ProductLimit int      `json:"product_limit,omitempty"`
	VideoLimit   int      `json:"video_limit,omitempty"`
}

// Validate checks the request and returns an ErrInvalidRequest if it is unusable.
func (r StartRequest) Validate() error {
	if strings.TrimSpace(r.Industry) == "" {
		return fmt.Errorf("%w: industry is required", ErrInvalidRequest)
	}
	if r.ProductLimit < 0 || r.VideoLimit < 0 {
		return fmt.Errorf("%w: limits must not be negative", ErrInvalidRequest)
	}
	if len(r.JobID) > 128 {
		return fmt.Errorf("%w: job_id must be at most 128 characters", ErrInvalidRequest)
	}
	return nil
}

// Status is a job plus the videos associated with it.
type Status struct {
	Job    *models.Job        `json:"job"`
	Videos []*models.JobVideo `json:"videos"`
}

// Controller implements the job lifecycle operations.
type Controller struct {
	store    store.Store
	pub      Publisher
	tracker  batch.Tracker
	cache    cache.Cache
	cacheTTL time.Duration
}

// Option configures a Controller.
type Option func(*Controller)

// WithCache writes phase changes made by the controller through to c.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(ctl *Controller) {
		ctl.cache = c
		ctl.cacheTTL = ttl
	}
}

func NewController(s store.Store, pub Publisher, tracker batch.Tracker, opts ...Option) *Controller {
	c := &Controller{store: s, pub: pub, tracker: tracker, cacheTTL: 24 * time.Hour}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start creates the job in collection and publishes the collection
// requests. Starting an existing job id that is still in collection
// republishes the requests, so a client may retry after a failure.
func (c *Controller) Start(ctx context.Context, req StartRequest) (*models.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id := req.JobID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	job := &models.Job{
		ID:        id,
		Industry:  strings.TrimSpace(req.Industry),
		Phase:     models.PhaseCollection,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := c.store.CreateJob(ctx, job)
	if errors.Is(err, store.ErrDuplicateKey) {
		existing, getErr := c.store.GetJob(ctx, id)
		if getErr != nil {
			return nil, fmt.Errorf("load existing job: %w", getErr)
		}
		if existing.Phase != models.PhaseCollection {
			return nil, ErrJobExists
		}
		job = existing
	} else if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	collect := models.CollectRequest{
		JobID:         job.ID,
		CorrelationID: job.ID,
		Industry:      job.Industry,
		Queries:       req.Queries,
		Limit:         req.ProductLimit,
	}
	if err := c.pub.Publish(ctx, bus.TopicProductsCollectRequest, collect, job.ID); err != nil {
		return nil, fmt.Errorf("publish collect request: %w", err)
	}

	search := models.VideoSearchRequest{
		JobID:         job.ID,
		CorrelationID: job.ID,
		Industry:      job.Industry,
		Queries:       req.Queries,
		Platforms:     req.Platforms,
		Limit:         req.VideoLimit,
	}
	if err := c.pub.Publish(ctx, bus.TopicVideosSearchRequest, search, job.ID); err != nil {
		return nil, fmt.Errorf("publish video search request: %w", err)
	}

	c.writeThrough(ctx, job.ID, job.Phase)
	slog.Info("job started", "job_id", job.ID, "industry", job.Industry)
	return job, nil
}

// Get returns the job and its videos.
func (c *Controller) Get(ctx context.Context, jobID string) (*Status, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	videos, err := c.store.ListJobVideos(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job videos: %w", err)
	}
	return &Status{Job: job, Videos: videos}, nil
}

// Phase returns the job's phase, reading the cache first.
func (c *Controller) Phase(ctx context.Context, jobID string) (models.Phase, error) {
	if c.cache != nil {
		p, found, err := c.cache.GetJobPhase(ctx, jobID)
		if err != nil {
			slog.Warn("read cached job phase", "job_id", jobID, "error", err)
		} else if found {
			return p, nil
		}
	}

	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	c.writeThrough(ctx, jobID, job.Phase)
	return job.Phase, nil
}

// Cancel marks the job cancelled and broadcasts job.cancelled. Cancelling
// a job that is already cancelled, deleted or completed succeeds without
// effect.
func (c *Controller) Cancel(ctx context.Context, jobID, actor string) (*models.Job, error) {
	job, changed, err := c.store.CancelJob(ctx, jobID, actor, func(ctx context.Context, job *models.Job) error {
		ev := models.JobCancelled{JobID: job.ID, CancelledBy: actor}
		if err := c.pub.Publish(ctx, bus.TopicJobCancelled, ev, job.ID); err != nil {
			return fmt.Errorf("publish job cancelled: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		c.writeThrough(ctx, jobID, job.Phase)
		slog.Info("job cancelled", "job_id", jobID, "cancelled_by", actor)
	}
	return job, nil
}

// Delete soft-deletes the job and broadcasts job.deleted. An active job
// needs force; otherwise ErrJobActive is returned.
func (c *Controller) Delete(ctx context.Context, jobID, actor string, force bool) (*models.Job, error) {
	job, changed, err := c.store.DeleteJob(ctx, jobID, actor, force, func(ctx context.Context, job *models.Job) error {
		ev := models.JobDeleted{JobID: job.ID, DeletedBy: actor}
		if err := c.pub.Publish(ctx, bus.TopicJobDeleted, ev, job.ID); err != nil {
			return fmt.Errorf("publish job deleted: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		c.writeThrough(ctx, jobID, job.Phase)
		slog.Info("job deleted", "job_id", jobID, "deleted_by", actor, "force", force)
	}
	return job, nil
}

// PurgeJob would drop the job's in-flight broker messages. Purging is not
// reliable on a shared stream, so it does nothing and reports zero;
// cancellation relies on the stage-side checks instead.
func (c *Controller) PurgeJob(_ context.Context, jobID string) (int, error) {
	slog.Info("purge requested, relying on cooperative cancellation", "job_id", jobID)
	return 0, nil
}

// Evidence lists the recorded matches of a job.
func (c *Controller) Evidence(ctx context.Context, filter store.EvidenceFilter) ([]*models.Evidence, int, error) {
	if _, err := c.store.GetJob(ctx, filter.JobID); err != nil {
		return nil, 0, err
	}
	return c.store.ListEvidence(ctx, filter)
}

func (c *Controller) writeThrough(ctx context.Context, jobID string, p models.Phase) {
	if c.cache == nil {
		return
	}
	if err := c.cache.SetJobPhase(ctx, jobID, p, c.cacheTTL); err != nil {
		slog.Warn("cache job phase", "job_id", jobID, "phase", p, "error", err)
	}
}
