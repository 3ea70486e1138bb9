package acorn

import "sync/atomic"

// stats holds the Tree's counters (§4.1: "nut_count(), total_stashed(),
// total_tossed(), squabbles_resolved()").
type stats struct {
	stashed    atomic.Uint64
	tossed     atomic.Uint64
	squabbles  atomic.Uint64
	reaped     atomic.Uint64
	dropped    atomic.Uint64 // subscription events dropped under backpressure
}
