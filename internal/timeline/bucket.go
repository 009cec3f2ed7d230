package timeline

import (
	"fmt"
	"time"
)

// BucketDuration is the fixed wall-clock interval covered by one snapshot
// bucket.
const BucketDuration = time.Hour

// BucketStartMs truncates a timestamp down to the start of its bucket.
func BucketStartMs(timestampMs int64) int64 {
	stride := BucketDuration.Milliseconds()
	//1.- Floor-divide so negative timestamps still land in the preceding bucket.
	start := timestampMs / stride * stride
	if timestampMs < 0 && timestampMs%stride != 0 {
		start -= stride
	}
	return start
}

// BucketEndMs returns the exclusive-end-minus-one millisecond of the bucket
// containing the timestamp.
func BucketEndMs(timestampMs int64) int64 {
	return BucketStartMs(timestampMs) + BucketDuration.Milliseconds() - 1
}

// BucketKey derives the deterministic bucket key for an entity type and
// timestamp: "<entity_type>/YYYY-MM-DD/HH". Every component must resolve the
// same timestamp to the same bucket, so this is the only derivation.
func BucketKey(entityType EntityType, timestampMs int64) string {
	start := time.UnixMilli(BucketStartMs(timestampMs)).UTC()
	return fmt.Sprintf("%s/%s/%02d", entityType, start.Format("2006-01-02"), start.Hour())
}
