package internal

import "time"

// RollupBuckets are the bucket durations every accepted posting cascades into,
// smallest first. The 5 second base bucket is the resolution of raw rollups;
// the larger buckets are derived from the same aligned timestamp.
var RollupBuckets = []time.Duration{
	5 * time.Second,
	1 * time.Minute,
	5 * time.Minute,
	1 * time.Hour,
	24 * time.Hour,
	7 * 24 * time.Hour,
}

// AlignToBucket floors ts onto the bucket grid. Alignment is done in UTC on the
// unix timeline so it is independent of the zone the event arrived in.
func AlignToBucket(ts time.Time, bucket time.Duration) time.Time {
	return ts.UTC().Truncate(bucket)
}
