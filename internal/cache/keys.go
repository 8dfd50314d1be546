package cache

import "fmt"

func JobPhaseKey(jobID string) string {
	return fmt.Sprintf("job:%s:phase", jobID)
}

func RateLimitKey(client string) string {
	return fmt.Sprintf("ratelimit:%s", client)
}

// BatchKey is the hash holding a batch's total, processed count and fired flag.
func BatchKey(jobID, batchType string) string {
	return fmt.Sprintf("batch:%s:%s", jobID, batchType)
}

// BatchSeenKey is the set of asset keys already counted for a batch.
func BatchSeenKey(jobID, batchType string) string {
	return fmt.Sprintf("batch:%s:%s:seen", jobID, batchType)
}

// JobBatchesKey indexes the batch types opened for a job so they can be
// cleared together.
func JobBatchesKey(jobID string) string {
	return fmt.Sprintf("batches:%s", jobID)
}
