package acorn

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/acorndb/acorn/cache"
	"github.com/acorndb/acorn/internal/clock"
	"github.com/acorndb/acorn/roots"
	"github.com/acorndb/acorn/serializer"
)

// config is assembled by applying Options, the usual functional-option
// pattern for constructing an immutable configuration struct.
type config struct {
	roots        []roots.Root
	cache        cache.Cache
	serializer   serializer.Serializer
	logger       zerolog.Logger
	defaultTTL   time.Duration
	reapInterval time.Duration
	disableTTL   bool
	dispatchCap  int
	now          clock.Clock
}

func defaultConfig() *config {
	return &config{
		cache:        cache.None(),
		serializer:   serializer.JSON(),
		logger:       zerolog.Nop(),
		reapInterval: time.Second,
		dispatchCap:  256,
		now:          clock.Real,
	}
}

// Option configures a Tree at Open time.
type Option func(*config)

// WithRoots sets the storage pipeline, applied in ascending sequence
// order on write and reversed on read (§4.3).
func WithRoots(rs ...roots.Root) Option {
	return func(c *config) { c.roots = rs }
}

// WithCache sets the cache strategy (§4.1.3). Defaults to an unbounded
// cache.None().
func WithCache(ch cache.Cache) Option {
	return func(c *config) { c.cache = ch }
}

// WithSerializer overrides the default self-describing JSON serializer.
func WithSerializer(s serializer.Serializer) Option {
	return func(c *config) { c.serializer = s }
}

// WithLogger attaches a structured logger (rs/zerolog). The default is
// a no-op logger so the library stays silent unless wired in.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithDefaultTTL sets the TTL applied to records stashed without an
// explicit expiry. Zero (the default) means no TTL.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *config) { c.defaultTTL = d }
}

// WithReapInterval sets how often the background TTL reaper scans for
// expired records. Defaults to one second.
func WithReapInterval(d time.Duration) Option {
	return func(c *config) { c.reapInterval = d }
}

// WithoutTTL disables the background reaper entirely (§4.1.2: "TTL
// enforcement can be disabled per Tree (e.g., for benchmarks)"). The
// read-path double-check in Crack is also skipped when this is set.
func WithoutTTL() Option {
	return func(c *config) { c.disableTTL = true }
}

// WithSubscriptionQueueCapacity sets the bounded dispatcher queue depth
// per subscriber (§4.1's dispatcher backpressure policy). Defaults to
// 256.
func WithSubscriptionQueueCapacity(n int) Option {
	return func(c *config) { c.dispatchCap = n }
}

// withClock overrides the wall clock; used by tests only (unexported
// deliberately — not part of the public embeddable-library surface).
func withClock(now clock.Clock) Option {
	return func(c *config) { c.now = now }
}
