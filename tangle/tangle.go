// Package tangle implements a replication link: a Tangle listens to a
// source Tree's change feed and forwards writes to a sink, either
// another in-process Tree or an HTTP endpoint.
package tangle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/acorndb/acorn"
)

// Sink is anything a Tangle can push writes to and pull changes from:
// another in-process Tree, or an HTTP sync endpoint (see tangle/http.go).
type Sink[T any] interface {
	Stash(ctx context.Context, nut acorn.Nut[T]) error
	Toss(ctx context.Context, id string) error
	ExportChangesSince(ctx context.Context, since *time.Time) ([]acorn.Nut[T], error)
	Import(ctx context.Context, nuts []acorn.Nut[T]) ([]acorn.ImportOutcome, error)
}

// treeSink adapts an in-process *acorn.Tree[T] to Sink[T], for the
// "other sink is another local Tree" case named alongside the HTTP
// case in §4.4.
type treeSink[T any] struct {
	tree *acorn.Tree[T]
}

// NewTreeSink wraps tree as a Sink, e.g. for replicating between two
// Trees in the same process or across a Grove.
func NewTreeSink[T any](tree *acorn.Tree[T]) Sink[T] {
	return &treeSink[T]{tree: tree}
}

func (s *treeSink[T]) Stash(ctx context.Context, nut acorn.Nut[T]) error {
	return s.tree.StashWith(ctx, nut.ID, nut.Payload)
}

func (s *treeSink[T]) Toss(ctx context.Context, id string) error {
	return s.tree.Toss(ctx, id)
}

func (s *treeSink[T]) ExportChangesSince(ctx context.Context, since *time.Time) ([]acorn.Nut[T], error) {
	var out []acorn.Nut[T]
	err := s.tree.ExportChangesSince(ctx, since, func(n acorn.Nut[T]) bool {
		out = append(out, n)
		return true
	})
	return out, err
}

func (s *treeSink[T]) Import(ctx context.Context, nuts []acorn.Nut[T]) ([]acorn.ImportOutcome, error) {
	outcomes := make([]acorn.ImportOutcome, len(nuts))
	for i, n := range nuts {
		outcome, err := s.tree.Import(ctx, n)
		if err != nil {
			return outcomes, err
		}
		outcomes[i] = outcome
	}
	return outcomes, nil
}

// State is a Tangle's lifecycle state.
type State int

const (
	Idle State = iota
	Running
	Stopped
)

// Stats holds a Tangle's replication counters, aggregated by Grove's
// TangleStats.
type Stats struct {
	Pushed   uint64
	Pulled   uint64
	Failures uint64
	Dropped  uint64 // pushes abandoned once the retry cap was reached
}

type config struct {
	maxElapsed    time.Duration
	maxRetries    uint64
	stopTimeout   time.Duration
	pullInterval  time.Duration
	logger        zerolog.Logger
}

func defaultConfig() config {
	return config{
		maxElapsed:   30 * time.Second,
		maxRetries:   5,
		stopTimeout:  5 * time.Second,
		pullInterval: 0, // 0: no automatic timer-driven pull; caller drives Pull/Shake
		logger:       zerolog.Nop(),
	}
}

// Option configures a Tangle at New time.
type Option func(*config)

// WithMaxElapsed bounds the total time spent retrying a single push.
func WithMaxElapsed(d time.Duration) Option { return func(c *config) { c.maxElapsed = d } }

// WithMaxRetries bounds the retry count for a single push.
func WithMaxRetries(n uint64) Option { return func(c *config) { c.maxRetries = n } }

// WithStopTimeout bounds how long Stop waits for the pending queue to drain.
func WithStopTimeout(d time.Duration) Option { return func(c *config) { c.stopTimeout = d } }

// WithPullInterval enables a background timer that calls Pull
// periodically. Zero (the default) disables it.
func WithPullInterval(d time.Duration) Option { return func(c *config) { c.pullInterval = d } }

// WithLogger attaches a structured logger.
func WithLogger(logger zerolog.Logger) Option { return func(c *config) { c.logger = logger } }

// Tangle replicates a source Tree's writes to a sink.
type Tangle[T any] struct {
	id     string
	source *acorn.Tree[T]
	sink   Sink[T]
	cfg    config

	mu       sync.Mutex
	lastSync *time.Time
	state    State

	stats Stats

	sub      *acorn.Subscription
	pullStop chan struct{}
	pullDone chan struct{}

	pending sync.WaitGroup // in-flight pushes, so Stop can drain them
}

// New constructs a Tangle replicating source's writes to sink. It does
// not start pushing until Start is called.
func New[T any](source *acorn.Tree[T], sink Sink[T], opts ...Option) *Tangle[T] {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Tangle[T]{
		id:     uuid.NewString(),
		source: source,
		sink:   sink,
		cfg:    cfg,
	}
}

// ID returns the Tangle's session identifier, used for log correlation.
func (t *Tangle[T]) ID() string { return t.id }

// State reports the Tangle's current lifecycle state.
func (t *Tangle[T]) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Stats returns a snapshot of the replication counters.
func (t *Tangle[T]) Stats() Stats {
	return Stats{
		Pushed:   atomic.LoadUint64(&t.stats.Pushed),
		Pulled:   atomic.LoadUint64(&t.stats.Pulled),
		Failures: atomic.LoadUint64(&t.stats.Failures),
		Dropped:  atomic.LoadUint64(&t.stats.Dropped),
	}
}

// Start subscribes to the source Tree's change feed so every local
// write is pushed to the sink, and (if WithPullInterval was set) starts
// a background pull timer.
func (t *Tangle[T]) Start(context.Context) error {
	t.mu.Lock()
	if t.state == Running {
		t.mu.Unlock()
		return nil
	}
	t.state = Running
	t.mu.Unlock()

	t.sub = t.source.Subscribe(nil, func(ctx context.Context, nut acorn.Nut[T]) {
		t.pending.Add(1)
		defer t.pending.Done()
		if err := t.push(ctx, nut); err != nil {
			t.cfg.logger.Warn().Str("tangle", t.id).Err(err).Msg("acorn: tangle push failed past retry cap")
		}
	})

	if t.cfg.pullInterval > 0 {
		t.pullStop = make(chan struct{})
		t.pullDone = make(chan struct{})
		go t.pullLoop()
	}
	return nil
}

func (t *Tangle[T]) pullLoop() {
	defer close(t.pullDone)
	ticker := time.NewTicker(t.cfg.pullInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.pullStop:
			return
		case <-ticker.C:
			if err := t.Pull(context.Background()); err != nil {
				t.cfg.logger.Warn().Str("tangle", t.id).Err(err).Msg("acorn: tangle pull failed")
			}
		}
	}
}

// push sends nut to the sink, retrying with exponential backoff until
// WithMaxRetries or WithMaxElapsed is reached. A push that still fails
// is abandoned and counted in Stats.Dropped; no to-replicate queue is
// kept for it.
func (t *Tangle[T]) push(ctx context.Context, nut acorn.Nut[T]) error {
	operation := func() error {
		_, err := t.sink.Import(ctx, []acorn.Nut[T]{nut})
		return err
	}

	exp := backoff.NewExponentialBackOff()
	exp.MaxElapsedTime = t.cfg.maxElapsed
	bo := backoff.WithMaxRetries(exp, t.cfg.maxRetries)
	bo2 := backoff.WithContext(bo, ctx)

	err := backoff.RetryNotify(operation, bo2, func(err error, d time.Duration) {
		atomic.AddUint64(&t.stats.Failures, 1)
	})
	if err != nil {
		// The record stays in the source trunk, but nothing re-queues
		// it: a later Shake re-sends it only if the source trunk
		// supports SyncExport and the record's timestamp is not older
		// than the last sync point.
		atomic.AddUint64(&t.stats.Dropped, 1)
		return err
	}
	atomic.AddUint64(&t.stats.Pushed, 1)
	return nil
}

// Pull fetches everything the sink has changed since the last sync and
// imports it into the source Tree, then advances last_sync_timestamp
// to the maximum timestamp received.
func (t *Tangle[T]) Pull(ctx context.Context) error {
	t.mu.Lock()
	since := t.lastSync
	t.mu.Unlock()

	nuts, err := t.sink.ExportChangesSince(ctx, since)
	if err != nil {
		return err
	}

	var maxTS time.Time
	haveMax := false
	for _, nut := range nuts {
		if _, err := t.source.Import(ctx, nut); err != nil {
			return err
		}
		atomic.AddUint64(&t.stats.Pulled, 1)
		if !haveMax || nut.Timestamp.After(maxTS) {
			maxTS = nut.Timestamp
			haveMax = true
		}
	}

	if haveMax {
		t.mu.Lock()
		t.lastSync = &maxTS
		t.mu.Unlock()
	}
	return nil
}

// Shake performs a one-shot bidirectional sync: push every local change
// since last_sync, then pull.
func (t *Tangle[T]) Shake(ctx context.Context) error {
	t.mu.Lock()
	since := t.lastSync
	t.mu.Unlock()

	var pushErr error
	err := t.source.ExportChangesSince(ctx, since, func(nut acorn.Nut[T]) bool {
		if pushErr = t.push(ctx, nut); pushErr != nil {
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	if pushErr != nil {
		return pushErr
	}

	return t.Pull(ctx)
}

// Stop drains in-flight pushes within WithStopTimeout and unsubscribes
// from the source Tree's change feed. A stopped Tangle finishes the
// in-flight single record it's currently pushing (per §5) rather than
// aborting it mid-flight.
func (t *Tangle[T]) Stop(ctx context.Context) error {
	t.mu.Lock()
	if t.state == Stopped {
		t.mu.Unlock()
		return nil
	}
	t.state = Stopped
	t.mu.Unlock()

	if t.sub != nil {
		t.sub.Close()
	}
	if t.pullStop != nil {
		close(t.pullStop)
		<-t.pullDone
	}

	done := make(chan struct{})
	go func() {
		t.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(t.cfg.stopTimeout):
	case <-ctx.Done():
	}
	return nil
}
