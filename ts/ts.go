// Package ts converts between wire timestamps and time.Time.
//
// Nodes speak unix milliseconds.  Everything in-process is time.Time, read
// from a clockwork.Clock so tests can drive it.
package ts

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// FromMillis converts a wire timestamp.  Zero stays the zero time so
// "unset" survives the round trip.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func ToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// Since is clock.Since, for callers that only hold a clock.
func Since(clock clockwork.Clock, t time.Time) time.Duration {
	return clock.Now().Sub(t)
}
