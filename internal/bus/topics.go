package bus

// Pipeline topics.
const (
	TopicProductsCollectRequest   = "products.collect.request"
	TopicVideosSearchRequest      = "videos.search.request"
	TopicProductsCollectCompleted = "products.collect.completed"
	TopicVideosSearchCompleted    = "videos.search.completed"

	TopicProductImagesReadyBatch  = "products.images.ready.batch"
	TopicProductImageReady        = "products.image.ready"
	TopicProductImageMasked       = "products.image.masked"
	TopicProductImagesMaskedBatch = "products.images.masked.batch"

	TopicVideoKeyframesReadyBatch  = "videos.keyframes.ready.batch"
	TopicVideoKeyframeReady        = "videos.keyframe.ready"
	TopicVideoKeyframeMasked       = "videos.keyframe.masked"
	TopicVideoKeyframesMaskedBatch = "videos.keyframes.masked.batch"

	TopicImageEmbeddingsCompleted = "image.embeddings.completed"
	TopicVideoEmbeddingsCompleted = "video.embeddings.completed"
	TopicImageKeypointsCompleted  = "image.keypoints.completed"
	TopicVideoKeypointsCompleted  = "video.keypoints.completed"

	TopicMatchRequest          = "match.request"
	TopicMatchResult           = "match.result"
	TopicMatchRequestCompleted = "match.request.completed"
	TopicEvidenceCompleted     = "evidence.completed"

	TopicJobCancelled = "job.cancelled"
	TopicJobDeleted   = "job.deleted"
	TopicJobCompleted = "job.completed"
)
