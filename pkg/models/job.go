package models

import (
	"time"
)

// Phase is the pipeline position of a job.
type Phase string

const (
	PhaseCollection        Phase = "collection"
	PhaseCrawling          Phase = "crawling"
	PhaseFinding           Phase = "finding"
	PhaseSegmentation      Phase = "segmentation"
	PhaseFeatureExtraction Phase = "feature_extraction"
	PhaseMatching          Phase = "matching"
	PhaseEvidence          Phase = "evidence"
	PhaseCompleted         Phase = "completed"
	PhaseCancelled         Phase = "cancelled"
	PhaseDeleted           Phase = "deleted"
)

// phaseRank orders the non-terminal phases. crawling and finding are the two
// parallel sub-tracks of the same step and share a rank.
var phaseRank = map[Phase]int{
	PhaseCollection:        0,
	PhaseCrawling:          1,
	PhaseFinding:           1,
	PhaseSegmentation:      2,
	PhaseFeatureExtraction: 3,
	PhaseMatching:          4,
	PhaseEvidence:          5,
	PhaseCompleted:         6,
}

// Rank returns the position of p in the pipeline order, or -1 for the
// cancelled/deleted terminal states and unknown values.
func (p Phase) Rank() int {
	if r, ok := phaseRank[p]; ok {
		return r
	}
	return -1
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := phaseRank[p]
	return ok || p == PhaseCancelled || p == PhaseDeleted
}

// Terminated reports whether p is cancelled or deleted.
func (p Phase) Terminated() bool {
	return p == PhaseCancelled || p == PhaseDeleted
}

// Job is one product/video matching run. Phase moves forward only; the
// cancelled and deleted states are reachable from anywhere.
type Job struct {
	ID          string     `db:"job_id"       json:"job_id"`
	Industry    string     `db:"industry"     json:"industry"`
	Phase       Phase      `db:"phase"        json:"phase"`
	CancelledAt *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CancelledBy *string    `db:"cancelled_by" json:"cancelled_by,omitempty"`
	DeletedAt   *time.Time `db:"deleted_at"   json:"deleted_at,omitempty"`
	DeletedBy   *string    `db:"deleted_by"   json:"deleted_by,omitempty"`
	CreatedAt   time.Time  `db:"created_at"   json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"   json:"updated_at"`
}

// Stopped reports whether stage handlers must drop work for this job.
func (j *Job) Stopped() bool {
	return j.CancelledAt != nil || j.DeletedAt != nil || j.Phase.Terminated()
}

// Active reports whether the job is still moving through the pipeline.
func (j *Job) Active() bool {
	return !j.Stopped() && j.Phase != PhaseCompleted
}

// JobVideo associates a video with a job. A video may be shared across jobs;
// the row belongs to the job that first associated it.
type JobVideo struct {
	JobID     string    `db:"job_id"     json:"job_id"`
	VideoID   string    `db:"video_id"   json:"video_id"`
	Platform  string    `db:"platform"   json:"platform"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
