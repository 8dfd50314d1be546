// Package batch counts per-asset completions inside a job and reports,
// exactly once, when a batch of known size is done.
//
// Totals and per-asset events may arrive in any order. A batch fires the
// first time its processed count reaches a known total; a total of zero
// fires on Open. Asset keys are deduplicated per batch, so redelivered
// events never advance the count.
package batch

import (
	"context"
	"errors"
)

// Batch types used by the pipeline stages.
const (
	SegmentationProducts = "segmentation_products"
	SegmentationVideos   = "segmentation_videos"
	EmbeddingsProducts   = "embeddings_products"
	EmbeddingsVideos     = "embeddings_videos"
	KeypointsProducts    = "keypoints_products"
	KeypointsVideos      = "keypoints_videos"
	Evidence             = "evidence"
)

var errInvalidTotal = errors.New("batch total must not be negative")

// ErrBatchNotOpen is returned by Rearm for a batch with no recorded state.
var ErrBatchNotOpen = errors.New("batch not open")

// Progress is a point-in-time view of one batch. Total is -1 until known.
type Progress struct {
	Total     int
	Processed int
	Fired     bool
}

// Tracker is implemented by Redis and Memory.
type Tracker interface {
	// Open records the expected total. The first total recorded wins.
	// It reports true if this call completed the batch.
	Open(ctx context.Context, jobID, batchType string, total int) (bool, error)
	// Increment counts assetKey once and reports true if this call
	// completed the batch.
	Increment(ctx context.Context, jobID, batchType, assetKey string) (bool, error)
	// Rearm clears the fired flag after the completion could not be
	// published, so the next Open or Increment fires again.
	Rearm(ctx context.Context, jobID, batchType string) error
	// Progress returns the current counters.
	Progress(ctx context.Context, jobID, batchType string) (Progress, error)
	// Clear drops every batch of the job.
	Clear(ctx context.Context, jobID string) error
}
