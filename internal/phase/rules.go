package phase

import (
	"github.com/kiranshivaraju/matchflow/internal/bus"
	"github.com/kiranshivaraju/matchflow/pkg/models"
)

// FeatureSignals is the four-way AND-join that closes feature_extraction.
var FeatureSignals = []string{
	bus.TopicImageEmbeddingsCompleted,
	bus.TopicVideoEmbeddingsCompleted,
	bus.TopicImageKeypointsCompleted,
	bus.TopicVideoKeypointsCompleted,
}

// Requirements lists, per phase, the signals that must all have been
// recorded before the job leaves it. collection is special: either of its
// signals is enough, and which one arrived picks the sub-track.
var Requirements = map[models.Phase][]string{
	models.PhaseCrawling:          {bus.TopicProductImagesReadyBatch, bus.TopicVideoKeyframesReadyBatch},
	models.PhaseFinding:           {bus.TopicProductImagesReadyBatch, bus.TopicVideoKeyframesReadyBatch},
	models.PhaseSegmentation:      {bus.TopicProductImagesMaskedBatch, bus.TopicVideoKeyframesMaskedBatch},
	models.PhaseFeatureExtraction: FeatureSignals,
	models.PhaseMatching:          {bus.TopicMatchRequestCompleted},
	models.PhaseEvidence:          {bus.TopicEvidenceCompleted},
}

var successor = map[models.Phase]models.Phase{
	models.PhaseCrawling:          models.PhaseSegmentation,
	models.PhaseFinding:           models.PhaseSegmentation,
	models.PhaseSegmentation:      models.PhaseFeatureExtraction,
	models.PhaseFeatureExtraction: models.PhaseMatching,
	models.PhaseMatching:          models.PhaseEvidence,
	models.PhaseEvidence:          models.PhaseCompleted,
}

// Signals returns every topic the machine listens to.
func Signals() []string {
	seen := map[string]bool{}
	out := []string{bus.TopicProductsCollectCompleted, bus.TopicVideosSearchCompleted}
	for _, p := range []models.Phase{
		models.PhaseCrawling, models.PhaseSegmentation, models.PhaseFeatureExtraction,
		models.PhaseMatching, models.PhaseEvidence,
	} {
		for _, s := range Requirements[p] {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// step returns the phase after p given the recorded signals, and false if
// p's exit requirements are not met yet.
func step(p models.Phase, signals map[string]bool) (models.Phase, bool) {
	if p == models.PhaseCollection {
		switch {
		case signals[bus.TopicProductsCollectCompleted]:
			return models.PhaseCrawling, true
		case signals[bus.TopicVideosSearchCompleted]:
			return models.PhaseFinding, true
		}
		return p, false
	}

	next, ok := successor[p]
	if !ok {
		return p, false
	}
	for _, s := range Requirements[p] {
		if !signals[s] {
			return p, false
		}
	}
	return next, true
}

// Path returns the phases entered, in order, when advancing from p as far
// as the recorded signals allow. It is empty when p cannot advance.
func Path(p models.Phase, signals map[string]bool) []models.Phase {
	var path []models.Phase
	for {
		next, ok := step(p, signals)
		if !ok {
			return path
		}
		path = append(path, next)
		p = next
	}
}
