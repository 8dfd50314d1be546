package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MatchCandidate is one scored (product image, video frame) pair.
type MatchCandidate struct {
	ImgID     string  `json:"img_id"`
	FrameID   string  `json:"frame_id"`
	Ts        float64 `json:"ts"`
	PairScore float64 `json:"pair_score"`
}

// PairCandidates holds every scored candidate of one (product, video) pair.
type PairCandidates struct {
	ProductID  string           `json:"product_id"`
	VideoID    string           `json:"video_id"`
	Candidates []MatchCandidate `json:"candidates"`
}

// MatchResult is an accepted (product, video) decision, published on match.result.
type MatchResult struct {
	JobID         string  `json:"job_id"`
	ProductID     string  `json:"product_id"`
	VideoID       string  `json:"video_id"`
	BestImgID     string  `json:"best_img_id"`
	BestFrameID   string  `json:"best_frame_id"`
	Ts            float64 `json:"ts"`
	Score         float64 `json:"score"`
	BestPairScore float64 `json:"best_pair_score"`
	Consistency   int     `json:"consistency"`
	TotalPairs    int     `json:"total_pairs"`
}

func (r MatchResult) Job() string { return r.JobID }

func (r MatchResult) Validate() error {
	if err := requireJob(r.JobID); err != nil {
		return err
	}
	if r.ProductID == "" || r.VideoID == "" {
		return invalid("product_id and video_id are required")
	}
	if r.Score < 0 || r.Score > 1 {
		return invalid("score must be within [0,1], got %v", r.Score)
	}
	return nil
}

// PairKey identifies the (product, video) pair inside a job.
func (r MatchResult) PairKey() string {
	return fmt.Sprintf("%s:%s", r.ProductID, r.VideoID)
}

// Evidence is the persisted form of an accepted MatchResult.
type Evidence struct {
	ID            uuid.UUID `db:"id"              json:"id"`
	JobID         string    `db:"job_id"          json:"job_id"`
	ProductID     string    `db:"product_id"      json:"product_id"`
	VideoID       string    `db:"video_id"        json:"video_id"`
	BestImgID     string    `db:"best_img_id"     json:"best_img_id"`
	BestFrameID   string    `db:"best_frame_id"   json:"best_frame_id"`
	Ts            float64   `db:"ts"              json:"ts"`
	Score         float64   `db:"score"           json:"score"`
	BestPairScore float64   `db:"best_pair_score" json:"best_pair_score"`
	Consistency   int       `db:"consistency"     json:"consistency"`
	TotalPairs    int       `db:"total_pairs"     json:"total_pairs"`
	CreatedAt     time.Time `db:"created_at"      json:"created_at"`
}

// NewEvidence converts an accepted result into an evidence row.
func NewEvidence(r MatchResult) *Evidence {
	return &Evidence{
		ID:            uuid.New(),
		JobID:         r.JobID,
		ProductID:     r.ProductID,
		VideoID:       r.VideoID,
		BestImgID:     r.BestImgID,
		BestFrameID:   r.BestFrameID,
		Ts:            r.Ts,
		Score:         r.Score,
		BestPairScore: r.BestPairScore,
		Consistency:   r.Consistency,
		TotalPairs:    r.TotalPairs,
		CreatedAt:     time.Now().UTC(),
	}
}
