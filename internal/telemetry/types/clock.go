package types

import "time"

// processStart anchors the monotonic timestamp space. All MonotonicTS
// values in one capture session share this base.
var processStart = time.Now()

// MonotonicNow returns nanoseconds elapsed on the process-local
// monotonic clock. Unlike wall time it never jumps backwards, so it is
// the timestamp used for ordering and pruning.
func MonotonicNow() int64 {
	return int64(time.Since(processStart))
}
