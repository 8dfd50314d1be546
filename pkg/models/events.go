package models

import (
	"errors"
	"fmt"
)

// ErrInvalidEvent marks a payload that can never be processed.
var ErrInvalidEvent = errors.New("invalid event")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEvent, fmt.Sprintf(format, args...))
}

func requireJob(jobID string) error {
	if jobID == "" {
		return invalid("job_id is required")
	}
	return nil
}

// CollectRequest is published on products.collect.request.
type CollectRequest struct {
	JobID         string   `json:"job_id"`
	CorrelationID string   `json:"correlation_id"`
	Industry      string   `json:"industry"`
	Queries       []string `json:"queries,omitempty"`
	Limit         int      `json:"limit,omitempty"`
}

func (e CollectRequest) Job() string     { return e.JobID }
func (e CollectRequest) Validate() error { return requireJob(e.JobID) }

// VideoSearchRequest is published on videos.search.request.
type VideoSearchRequest struct {
	JobID         string   `json:"job_id"`
	CorrelationID string   `json:"correlation_id"`
	Industry      string   `json:"industry"`
	Queries       []string `json:"queries,omitempty"`
	Platforms     []string `json:"platforms,omitempty"`
	Limit         int      `json:"limit,omitempty"`
}

func (e VideoSearchRequest) Job() string     { return e.JobID }
func (e VideoSearchRequest) Validate() error { return requireJob(e.JobID) }

// FoundVideo is one search hit carried by videos.search.completed.
type FoundVideo struct {
	VideoID  string `json:"video_id"`
	Platform string `json:"platform"`
}

// StageSignal is the payload of every phase-relevant completion event:
// products.collect.completed, videos.search.completed, the *.ready.batch and
// *.masked.batch announcements, the four feature-extraction signals,
// match.request.completed and evidence.completed.
type StageSignal struct {
	JobID      string       `json:"job_id"`
	EventID    string       `json:"event_id,omitempty"`
	TotalCount *int         `json:"total_count,omitempty"`
	Videos     []FoundVideo `json:"videos,omitempty"`
}

func (e StageSignal) Job() string   { return e.JobID }
func (e StageSignal) Event() string { return e.EventID }

func (e StageSignal) Validate() error {
	if err := requireJob(e.JobID); err != nil {
		return err
	}
	if e.TotalCount != nil && *e.TotalCount < 0 {
		return invalid("total_count must not be negative, got %d", *e.TotalCount)
	}
	for i, v := range e.Videos {
		if v.VideoID == "" {
			return invalid("videos[%d].video_id is required", i)
		}
	}
	return nil
}

// Total returns the announced batch size, or -1 when absent.
func (e StageSignal) Total() int {
	if e.TotalCount == nil {
		return -1
	}
	return *e.TotalCount
}

// AssetEvent is a per-asset readiness event (*.ready, *.masked). OwnerID is
// the product or video the asset belongs to.
type AssetEvent struct {
	JobID   string `json:"job_id"`
	EventID string `json:"event_id,omitempty"`
	AssetID string `json:"asset_id"`
	OwnerID string `json:"owner_id,omitempty"`
	URI     string `json:"uri,omitempty"`
}

func (e AssetEvent) Job() string   { return e.JobID }
func (e AssetEvent) Event() string { return e.EventID }

func (e AssetEvent) Validate() error {
	if err := requireJob(e.JobID); err != nil {
		return err
	}
	if e.AssetID == "" {
		return invalid("asset_id is required")
	}
	return nil
}

// MatchRequest asks the matching stage to score a job's product and video sets.
type MatchRequest struct {
	JobID        string `json:"job_id"`
	Industry     string `json:"industry"`
	ProductSetID string `json:"product_set_id"`
	VideoSetID   string `json:"video_set_id"`
	TopK         int    `json:"top_k"`
}

func (e MatchRequest) Job() string { return e.JobID }

func (e MatchRequest) Validate() error {
	if err := requireJob(e.JobID); err != nil {
		return err
	}
	if e.TopK <= 0 {
		return invalid("top_k must be positive, got %d", e.TopK)
	}
	return nil
}

// MatchRequestCompleted closes the matching phase of a job.
type MatchRequestCompleted struct {
	JobID        string `json:"job_id"`
	TotalResults int    `json:"total_results"`
}

func (e MatchRequestCompleted) Job() string { return e.JobID }

func (e MatchRequestCompleted) Validate() error {
	if err := requireJob(e.JobID); err != nil {
		return err
	}
	if e.TotalResults < 0 {
		return invalid("total_results must not be negative, got %d", e.TotalResults)
	}
	return nil
}

// JobCancelled is broadcast on job.cancelled.
type JobCancelled struct {
	JobID       string `json:"job_id"`
	CancelledBy string `json:"cancelled_by"`
}

func (e JobCancelled) Job() string     { return e.JobID }
func (e JobCancelled) Validate() error { return requireJob(e.JobID) }

// JobDeleted is broadcast on job.deleted.
type JobDeleted struct {
	JobID     string `json:"job_id"`
	DeletedBy string `json:"deleted_by"`
}

func (e JobDeleted) Job() string     { return e.JobID }
func (e JobDeleted) Validate() error { return requireJob(e.JobID) }

// JobCompleted is broadcast on job.completed.
type JobCompleted struct {
	JobID string `json:"job_id"`
}

func (e JobCompleted) Job() string     { return e.JobID }
func (e JobCompleted) Validate() error { return requireJob(e.JobID) }
