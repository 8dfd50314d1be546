package stage

import (
	"github.com/kiranshivaraju/matchflow/internal/batch"
	"github.com/kiranshivaraju/matchflow/internal/bus"
	"github.com/kiranshivaraju/matchflow/internal/config"
	"github.com/kiranshivaraju/matchflow/internal/inference"
)

// DefaultDefinitions returns the six asset stages of the pipeline.
// Segmentation feeds the masked topics that embeddings and keypoints read.
func DefaultDefinitions(cfg config.StageConfig) []Definition {
	seg, feat := cfg.SegmentationConcurrency, cfg.FeatureConcurrency
	return []Definition{
		{
			Name:           "segmentation.products",
			Task:           inference.TaskSegment,
			BatchType:      batch.SegmentationProducts,
			BatchTopic:     bus.TopicProductImagesReadyBatch,
			AssetTopic:     bus.TopicProductImageReady,
			OutputTopic:    bus.TopicProductImageMasked,
			CompletedTopic: bus.TopicProductImagesMaskedBatch,
			Concurrency:    seg,
		},
		{
			Name:           "segmentation.videos",
			Task:           inference.TaskSegment,
			BatchType:      batch.SegmentationVideos,
			BatchTopic:     bus.TopicVideoKeyframesReadyBatch,
			AssetTopic:     bus.TopicVideoKeyframeReady,
			OutputTopic:    bus.TopicVideoKeyframeMasked,
			CompletedTopic: bus.TopicVideoKeyframesMaskedBatch,
			Concurrency:    seg,
		},
		{
			Name:           "embeddings.products",
			Task:           inference.TaskEmbed,
			BatchType:      batch.EmbeddingsProducts,
			BatchTopic:     bus.TopicProductImagesMaskedBatch,
			AssetTopic:     bus.TopicProductImageMasked,
			CompletedTopic: bus.TopicImageEmbeddingsCompleted,
			Concurrency:    feat,
		},
		{
			Name:           "embeddings.videos",
			Task:           inference.TaskEmbed,
			BatchType:      batch.EmbeddingsVideos,
			BatchTopic:     bus.TopicVideoKeyframesMaskedBatch,
			AssetTopic:     bus.TopicVideoKeyframeMasked,
			CompletedTopic: bus.TopicVideoEmbeddingsCompleted,
			Concurrency:    feat,
		},
		{
			Name:           "keypoints.products",
			Task:           inference.TaskKeypoints,
			BatchType:      batch.KeypointsProducts,
			BatchTopic:     bus.TopicProductImagesMaskedBatch,
			AssetTopic:     bus.TopicProductImageMasked,
			CompletedTopic: bus.TopicImageKeypointsCompleted,
			Concurrency:    feat,
		},
		{
			Name:           "keypoints.videos",
			Task:           inference.TaskKeypoints,
			BatchType:      batch.KeypointsVideos,
			BatchTopic:     bus.TopicVideoKeyframesMaskedBatch,
			AssetTopic:     bus.TopicVideoKeyframeMasked,
			CompletedTopic: bus.TopicVideoKeypointsCompleted,
			Concurrency:    feat,
		},
	}
}
