package matching

import (
	"testing"

	"github.com/kiranshivaraju/matchflow/pkg/models"
	"github.com/stretchr/testify/assert"
)

func scores(vals ...float64) []models.MatchCandidate {
	out := make([]models.MatchCandidate, len(vals))
	for i, v := range vals {
		out[i] = models.MatchCandidate{ImgID: "img", FrameID: "f", PairScore: v}
	}
	return out
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name        string
		candidates  []models.MatchCandidate
		th          Thresholds
		accepted    bool
		reason      Reason
		final       float64
		best        float64
		consistency int
	}{
		{
			name:       "no candidates",
			candidates: nil,
			th:         Thresholds{BestMin: 0.85, ConsMin: 1, Accept: 0.8},
			reason:     ReasonNoCandidates,
		},
		{
			name:        "strong single pair overrides consistency",
			candidates:  scores(0.95),
			th:          Thresholds{BestMin: 0.85, ConsMin: 3, Accept: 0.80},
			accepted:    true,
			reason:      ReasonAccepted,
			final:       0.95,
			best:        0.95,
			consistency: 1,
		},
		{
			name:        "fails both gate branches",
			candidates:  scores(0.70, 0.72, 0.75),
			th:          Thresholds{BestMin: 0.75, ConsMin: 2, Accept: 0.78},
			reason:      ReasonBelowGate,
			best:        0.75,
			consistency: 0,
		},
		{
			name: "bonuses accumulate",
			candidates: []models.MatchCandidate{
				{ImgID: "A", FrameID: "f1", Ts: 1.5, PairScore: 0.85},
				{ImgID: "B", FrameID: "f2", Ts: 3.0, PairScore: 0.81},
				{ImgID: "A", FrameID: "f3", Ts: 4.5, PairScore: 0.83},
			},
			th:          Thresholds{BestMin: 0.80, ConsMin: 2, Accept: 0.85},
			accepted:    true,
			reason:      ReasonAccepted,
			final:       0.89,
			best:        0.85,
			consistency: 3,
		},
		{
			name:        "passes gate but not final threshold",
			candidates:  scores(0.86, 0.82),
			th:          Thresholds{BestMin: 0.85, ConsMin: 2, Accept: 0.90},
			reason:      ReasonBelowFinal,
			final:       0.86,
			best:        0.86,
			consistency: 2,
		},
		{
			name:        "final is capped at one",
			candidates:  []models.MatchCandidate{{ImgID: "A", PairScore: 0.99}, {ImgID: "B", PairScore: 0.98}, {ImgID: "C", PairScore: 0.97}},
			th:          Thresholds{BestMin: 0.85, ConsMin: 2, Accept: 0.80},
			accepted:    true,
			reason:      ReasonAccepted,
			final:       1.0,
			best:        0.99,
			consistency: 3,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := Aggregate(tc.candidates, tc.th)
			assert.Equal(t, tc.accepted, d.Accepted)
			assert.Equal(t, tc.reason, d.Reason)
			assert.InDelta(t, tc.final, d.Final, 1e-9)
			assert.InDelta(t, tc.best, d.Best, 1e-9)
			assert.Equal(t, tc.consistency, d.Consistency)
			assert.Equal(t, len(tc.candidates), d.TotalPairs)
		})
	}
}

func TestAggregate_OverrideFlag(t *testing.T) {
	d := Aggregate(scores(0.95), Thresholds{BestMin: 0.85, ConsMin: 3, Accept: 0.8})
	assert.True(t, d.Override)

	d = Aggregate(scores(0.95, 0.9, 0.9), Thresholds{BestMin: 0.85, ConsMin: 3, Accept: 0.8})
	assert.False(t, d.Override, "regular gate passed")
}

func TestDecision_Result(t *testing.T) {
	d := Aggregate([]models.MatchCandidate{
		{ImgID: "A", FrameID: "f1", Ts: 1.5, PairScore: 0.85},
		{ImgID: "B", FrameID: "f2", Ts: 3.0, PairScore: 0.81},
		{ImgID: "A", FrameID: "f3", Ts: 4.5, PairScore: 0.83},
	}, Thresholds{BestMin: 0.80, ConsMin: 2, Accept: 0.85})

	r := d.Result("job-1", "p-1", "v-1")
	assert.Equal(t, models.MatchResult{
		JobID:         "job-1",
		ProductID:     "p-1",
		VideoID:       "v-1",
		BestImgID:     "A",
		BestFrameID:   "f1",
		Ts:            1.5,
		Score:         0.89,
		BestPairScore: 0.85,
		Consistency:   3,
		TotalPairs:    3,
	}, r)
	assert.NoError(t, r.Validate())
}
