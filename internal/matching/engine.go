// Package matching scores product/video pairs and publishes accepted matches.
package matching

import (
	"math"

	"github.com/kiranshivaraju/matchflow/pkg/models"
)

const (
	// StrongPairScore is the pair score that counts towards consistency.
	StrongPairScore = 0.80
	// OverrideScore accepts a pair on its best score alone.
	OverrideScore = 0.92

	consistencyBonusMin = 3
	bonus               = 0.02
)

// Thresholds are the tunable gates of Aggregate.
type Thresholds struct {
	BestMin float64
	ConsMin int
	Accept  float64
}

// Reason explains a Decision.
type Reason string

const (
	ReasonAccepted     Reason = "accepted"
	ReasonNoCandidates Reason = "no candidates"
	ReasonBelowGate    Reason = "below acceptance gate"
	ReasonBelowFinal   Reason = "below final threshold"
)

// Decision is the outcome of aggregating one pair's candidates.
type Decision struct {
	Accepted       bool
	Reason         Reason
	Override       bool
	Best           float64
	Final          float64
	Consistency    int
	DistinctImages int
	TotalPairs     int
	Top            models.MatchCandidate
}

// Aggregate decides whether a product matches a video from the pair scores
// of their images and frames.
//
// Gate 1 passes when best >= BestMin with at least ConsMin strong pairs, or
// when best alone reaches OverrideScore. The final score is best plus a
// bonus for three or more strong pairs and a bonus for strong pairs spread
// over two or more product images, capped at 1. Gate 2 compares it to Accept.
func Aggregate(candidates []models.MatchCandidate, th Thresholds) Decision {
	if len(candidates) == 0 {
		return Decision{Reason: ReasonNoCandidates}
	}

	d := Decision{TotalPairs: len(candidates), Top: candidates[0]}
	images := make(map[string]struct{})
	for _, c := range candidates {
		if c.PairScore > d.Top.PairScore {
			d.Top = c
		}
		if c.PairScore >= StrongPairScore {
			d.Consistency++
			images[c.ImgID] = struct{}{}
		}
	}
	d.Best = d.Top.PairScore
	d.DistinctImages = len(images)

	gated := d.Best >= th.BestMin && d.Consistency >= th.ConsMin
	d.Override = !gated && d.Best >= OverrideScore
	if !gated && !d.Override {
		d.Reason = ReasonBelowGate
		return d
	}

	final := d.Best
	if d.Consistency >= consistencyBonusMin {
		final += bonus
	}
	if d.DistinctImages >= 2 {
		final += bonus
	}
	d.Final = round(math.Min(final, 1.0))

	if d.Final < th.Accept {
		d.Reason = ReasonBelowFinal
		return d
	}
	d.Accepted = true
	d.Reason = ReasonAccepted
	return d
}

// Result converts an accepted decision into the match.result payload.
func (d Decision) Result(jobID, productID, videoID string) models.MatchResult {
	return models.MatchResult{
		JobID:         jobID,
		ProductID:     productID,
		VideoID:       videoID,
		BestImgID:     d.Top.ImgID,
		BestFrameID:   d.Top.FrameID,
		Ts:            d.Top.Ts,
		Score:         d.Final,
		BestPairScore: d.Best,
		Consistency:   d.Consistency,
		TotalPairs:    d.TotalPairs,
	}
}

// round trims float noise from the bonus additions (0.85+0.02+0.02).
func round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
