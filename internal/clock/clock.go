// Package clock provides the wall-clock nanosecond timestamps used
// throughout the pipeline, plus fixed-grid alignment helpers shared by
// the aggregators and shard timers.
package clock

import "time"

// NowNs returns the current wall-clock time in nanoseconds since the Unix
// epoch. Every record's ts_recv_ns is stamped with this at the point of
// receipt.
func NowNs() int64 {
	return time.Now().UnixNano()
}

// AlignDown returns the start of the grid window of width gridNs that
// contains ts — i.e. ts - (ts mod gridNs).
func AlignDown(ts, gridNs int64) int64 {
	if gridNs <= 0 {
		return ts
	}
	rem := ts % gridNs
	if rem < 0 {
		rem += gridNs
	}
	return ts - rem
}

// WindowEnd returns the last nanosecond that belongs to the window starting
// at windowStart with the given width — windowStart + width - 1.
func WindowEnd(windowStart, gridNs int64) int64 {
	return windowStart + gridNs - 1
}
