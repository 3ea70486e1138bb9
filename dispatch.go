package acorn

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// reentrancyKey marks a context as originating from this Tree's
// dispatcher. Go has no goroutine-local storage, so the §5
// "thread-local reentrancy guard" is realized by propagating a marker
// through context.Context instead: a subscriber or tangle callback that
// threads the context it was given back into a call on the same Tree is
// detected and rejected with ErrReentrant before it can block on the
// writer mutex. This is best-effort — a callback that deliberately
// starts from context.Background() is not caught — which matches
// ordinary Go cancellation-propagation conventions.
type reentrancyKey struct{}

func markDispatchContext(ctx context.Context, token any) context.Context {
	return context.WithValue(ctx, reentrancyKey{}, token)
}

func isReentrant(ctx context.Context, token any) bool {
	v := ctx.Value(reentrancyKey{})
	return v != nil && v == token
}

// Predicate filters which events a subscription receives.
type Predicate[T any] func(Nut[T]) bool

// Callback receives dispatched events on the background dispatcher
// goroutine, never on the writer's own goroutine (§4.1: "Callback
// invoked from background dispatcher thread (not the writer's
// thread)").
type Callback[T any] func(ctx context.Context, nut Nut[T])

// Subscription is a live registration returned by Tree.Subscribe. It is
// auto-dropped on Close; callbacks stop firing once closed.
type Subscription struct {
	cancel func()
	once   sync.Once
}

// Close cancels the subscription. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

type subscriber[T any] struct {
	id        uint64
	predicate Predicate[T]
	callback  Callback[T]
	in        chan Nut[T]
}

func (s *subscriber[T]) run(ctx context.Context) {
	for nut := range s.in {
		s.callback(ctx, nut)
	}
}

// dispatcher fans published Nut values out to subscribers over a
// fixed-capacity channel per subscriber, with a "block briefly, then
// drop oldest" backpressure policy. This avoids both unbounded queue
// growth under a slow subscriber and reentrant callback ordering
// surprises.
type dispatcher[T any] struct {
	mu      sync.Mutex
	subs    map[uint64]*subscriber[T]
	nextID  uint64
	cap     int
	token   any
	logger  zerolog.Logger
	dropped *atomic.Uint64
}

func newDispatcher[T any](capacity int, logger zerolog.Logger, dropped *atomic.Uint64) *dispatcher[T] {
	return &dispatcher[T]{
		subs:    make(map[uint64]*subscriber[T]),
		cap:     capacity,
		token:   new(int),
		logger:  logger,
		dropped: dropped,
	}
}

func (d *dispatcher[T]) subscribe(predicate Predicate[T], callback Callback[T]) *Subscription {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	sub := &subscriber[T]{id: id, predicate: predicate, callback: callback, in: make(chan Nut[T], d.cap)}
	d.subs[id] = sub
	d.mu.Unlock()

	ctx := markDispatchContext(context.Background(), d.token)
	go sub.run(ctx)

	return &Subscription{cancel: func() {
		d.mu.Lock()
		if s, ok := d.subs[id]; ok {
			delete(d.subs, id)
			close(s.in)
		}
		d.mu.Unlock()
	}}
}

// publish fans nut out to every matching subscriber. Callers must not
// hold the Tree's writer mutex when calling publish, since a slow
// subscriber can cause this to block briefly (see send).
func (d *dispatcher[T]) publish(nut Nut[T]) {
	d.mu.Lock()
	subs := make([]*subscriber[T], 0, len(d.subs))
	for _, s := range d.subs {
		subs = append(subs, s)
	}
	d.mu.Unlock()

	for _, s := range subs {
		if s.predicate != nil && !s.predicate(nut) {
			continue
		}
		d.send(s, nut)
	}
}

const backpressureGrace = 5 * time.Millisecond

func (d *dispatcher[T]) send(s *subscriber[T], nut Nut[T]) {
	select {
	case s.in <- nut:
		return
	default:
	}

	timer := time.NewTimer(backpressureGrace)
	defer timer.Stop()
	select {
	case s.in <- nut:
		return
	case <-timer.C:
	}

	// Still full after the grace period: drop the oldest queued event
	// and make room for the new one.
	select {
	case <-s.in:
		d.dropped.Add(1)
		d.logger.Warn().Uint64("subscription", s.id).Msg("acorn: dispatcher dropped oldest event under backpressure")
	default:
	}
	select {
	case s.in <- nut:
	default:
	}
}

func (d *dispatcher[T]) closeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, s := range d.subs {
		delete(d.subs, id)
		close(s.in)
	}
}
