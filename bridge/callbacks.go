package bridge

import "time"

// Progress describes one step of an ongoing transfer.
type Progress struct {
	// Op is the operation in flight, e.g. "read" or "write".
	Op string
	// Partition is the partition name the transfer targets.
	Partition string
	// Bytes is the number of bytes moved so far.
	Bytes int64
	// Total is the expected byte count, or 0 when unknown.
	Total int64
	// Elapsed is the time since the transfer started.
	Elapsed time.Duration
}

// ProgressFunc receives transfer progress updates. It is called from the
// transfer goroutine and must not block.
type ProgressFunc func(Progress)
