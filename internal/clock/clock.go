// Package clock provides an injectable wall clock so TTL and
// last-writer-wins tests can control time deterministically instead of
// sleeping.
package clock

import "time"

// Clock returns the current wall-clock time, UTC.
type Clock func() time.Time

// Real is the production clock.
func Real() time.Time { return time.Now().UTC() }
