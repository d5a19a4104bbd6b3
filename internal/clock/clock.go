// Package clock provides the per-connection millisecond timer used to stamp
// outbound RTMP control messages. Grounded on the join_stream reference's
// Clock(Instant) wrapper: a single monotonic origin captured at connection
// start, read as an ever-increasing millisecond counter.
package clock

import "time"

// Clock returns milliseconds elapsed since it was created. It wraps, by
// design, once the elapsed duration exceeds the range of int32 — outbound
// timestamps are advisory only and never drive mixer arithmetic.
type Clock struct {
	start time.Time
}

// New captures the current instant as the clock's origin.
func New() *Clock {
	return &Clock{start: time.Now()}
}

// NowMs returns milliseconds since the clock was created, truncated to
// int32 width.
func (c *Clock) NowMs() int32 {
	return int32(time.Since(c.start).Milliseconds())
}
