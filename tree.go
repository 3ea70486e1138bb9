package acorn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/acorndb/acorn/cache"
	"github.com/acorndb/acorn/internal/clock"
	"github.com/acorndb/acorn/roots"
	"github.com/acorndb/acorn/serializer"
	"github.com/acorndb/acorn/trunk"
)

// Tree is the single-collection storage engine: it composes a Trunk,
// a Roots pipeline, a Cache, and a Serializer, and owns the TTL reaper,
// subscriber dispatch, and stats counters for one element type T.
type Tree[T any] struct {
	trunk      trunk.Trunk
	pipeline   *roots.Pipeline
	cache      cache.Cache
	serializer serializer.Serializer
	disp       *dispatcher[T]
	reap       *reaper
	now        clock.Clock

	stats stats

	mu       sync.Mutex // serializes writes (stash/toss/import), per §5 single-writer
	liveIDs  map[string]struct{}
	disabled bool // set by Dispose; further writes return ErrUnsupported

	defaultTTL time.Duration
	disableTTL bool
}

// Open constructs a Tree over trunk with the given options. The zero
// value of Option set means: no pipeline roots, an unbounded cache,
// the default JSON serializer, no TTL, a one-second reap interval.
func Open[T any](tr trunk.Trunk, opts ...Option) (*Tree[T], error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	pipeline, err := roots.New(cfg.roots...)
	if err != nil {
		return nil, err
	}

	t := &Tree[T]{
		trunk:      tr,
		pipeline:   pipeline,
		cache:      cfg.cache,
		serializer: cfg.serializer,
		now:        cfg.now,
		liveIDs:    make(map[string]struct{}),
		defaultTTL: cfg.defaultTTL,
		disableTTL: cfg.disableTTL,
	}
	t.disp = newDispatcher[T](cfg.dispatchCap, cfg.logger, &t.stats.dropped)

	if !cfg.disableTTL {
		t.reap = newReaper(cfg.reapInterval, func() time.Time { return t.now() }, t.expireHint)
		go t.reap.run()
	}

	if err := t.loadLiveIDs(); err != nil {
		return nil, err
	}

	return t, nil
}

// loadLiveIDs seeds the in-memory live-id set from the trunk at open
// time, so NutCount is correct immediately after Open on a non-empty
// trunk.
func (t *Tree[T]) loadLiveIDs() error {
	return t.trunk.LoadAll(context.Background(), func(enc trunk.EncodedNut) bool {
		raw, err := t.decodeRaw(enc.Data)
		if err != nil {
			return true // tolerate unreadable stragglers; Crack will surface the error on access
		}
		if !raw.Deleted {
			t.liveIDs[raw.ID] = struct{}{}
		}
		return true
	})
}

func (t *Tree[T]) encodeRaw(raw rawNut) (trunk.EncodedNut, error) {
	wire := raw.marshal()
	data, err := t.pipeline.Encode(wire)
	if err != nil {
		return trunk.EncodedNut{}, wrapPipelineErr(err)
	}
	return trunk.EncodedNut{ID: raw.ID, Data: data}, nil
}

func (t *Tree[T]) decodeRaw(data []byte) (rawNut, error) {
	wire, err := t.pipeline.Decode(data)
	if err != nil {
		return rawNut{}, wrapPipelineErr(err)
	}
	raw, err := unmarshalRawNut(wire)
	if err != nil {
		return rawNut{}, &Storage{Err: err}
	}
	return raw, nil
}

func wrapPipelineErr(err error) error {
	var missing *roots.MissingRootError
	if errors.As(err, &missing) {
		return &Pipeline{Kind: MissingRoot, Sequence: missing.Sequence, Err: err}
	}
	var corrupt *roots.CorruptHeaderError
	if errors.As(err, &corrupt) {
		return &Pipeline{Kind: Corrupt, Err: err}
	}
	var auth *roots.AuthenticationFailedError
	if errors.As(err, &auth) {
		return &Pipeline{Kind: AuthenticationFailed, Err: err}
	}
	return &Pipeline{Kind: Corrupt, Err: err}
}

// loadRaw fetches the current raw record for id, cache first, falling
// back to the trunk. Returns ok=false when no record exists; a tombstone
// is returned with ok=true and Deleted set, and loadRaw never filters on
// TTL expiry, since callers need the prior version/timestamp regardless
// of deletion or expiry.
func (t *Tree[T]) loadRaw(ctx context.Context, id string) (raw rawNut, ok bool, err error) {
	if wire, hit := t.cache.Get(id); hit {
		raw, err := unmarshalRawNut(wire)
		if err != nil {
			return rawNut{}, false, &Storage{Err: err}
		}
		return raw, true, nil
	}

	enc, found, err := t.trunk.Load(ctx, id)
	if err != nil {
		return rawNut{}, false, &Storage{Err: err}
	}
	if !found {
		return rawNut{}, false, nil
	}

	raw, err = t.decodeRaw(enc.Data)
	if err != nil {
		return rawNut{}, false, err
	}
	return raw, true, nil
}

// Stash extracts id from value (via Identifiable or a cached Id/ID/Key
// field) and writes it.
func (t *Tree[T]) Stash(ctx context.Context, value T) error {
	id, err := extractID(value)
	if err != nil {
		return err
	}
	return t.StashWith(ctx, id, value)
}

// StashWith writes value under the explicit id.
func (t *Tree[T]) StashWith(ctx context.Context, id string, value T) error {
	if id == "" {
		return ErrInvalidInput
	}
	if isReentrant(ctx, t.disp.token) {
		return ErrReentrant
	}

	payload, err := t.serializer.Encode(value)
	if err != nil {
		return &Serialization{Err: err}
	}

	t.mu.Lock()
	if t.disabled {
		t.mu.Unlock()
		return ErrUnsupported
	}

	prior, hadPrior, err := t.loadRaw(ctx, id)
	if err != nil {
		t.mu.Unlock()
		return err
	}

	version := uint64(1)
	if hadPrior {
		version = prior.Version + 1
	}

	now := t.now()
	raw := rawNut{ID: id, Payload: payload, Timestamp: now, Version: version}
	if t.defaultTTL > 0 {
		expiresAt := now.Add(t.defaultTTL)
		raw.ExpiresAt = &expiresAt
	}

	enc, err := t.encodeRaw(raw)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if err := t.trunk.Save(ctx, enc); err != nil {
		t.mu.Unlock()
		return &Storage{Err: err}
	}

	t.cache.Put(id, raw.marshal())
	t.liveIDs[id] = struct{}{}
	t.stats.stashed.Add(1)
	t.mu.Unlock()

	if raw.ExpiresAt != nil && t.reap != nil {
		t.reap.schedule(id, *raw.ExpiresAt, version)
	}
	t.disp.publish(Nut[T]{ID: id, Payload: value, Timestamp: raw.Timestamp, Version: version, ExpiresAt: raw.ExpiresAt})
	return nil
}

// Crack reads the current value for id.
func (t *Tree[T]) Crack(ctx context.Context, id string) (value T, ok bool, err error) {
	raw, found, err := t.loadRaw(ctx, id)
	if err != nil {
		var zero T
		return zero, false, err
	}
	if !found || raw.Deleted {
		var zero T
		return zero, false, nil
	}

	if !t.disableTTL && raw.expired(t.now()) {
		var zero T
		go t.Toss(context.Background(), id) //nolint: errcheck -- best-effort async tombstone, per §4.1.2
		return zero, false, nil
	}

	t.cache.Put(id, raw.marshal())

	var out T
	if err := t.serializer.Decode(raw.Payload, &out); err != nil {
		var zero T
		return zero, false, &Serialization{Err: err}
	}
	return out, true, nil
}

// Toss writes a tombstone for id. Idempotent: tossing an absent id
// writes a fresh tombstone at version 1.
func (t *Tree[T]) Toss(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidInput
	}
	if isReentrant(ctx, t.disp.token) {
		return ErrReentrant
	}

	t.mu.Lock()
	if t.disabled {
		t.mu.Unlock()
		return ErrUnsupported
	}

	prior, hadPrior, err := t.loadRaw(ctx, id)
	if err != nil {
		t.mu.Unlock()
		return err
	}

	version := uint64(1)
	if hadPrior {
		version = prior.Version + 1
	}

	raw := rawNut{ID: id, Timestamp: t.now(), Version: version, Deleted: true}
	enc, err := t.encodeRaw(raw)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if err := t.trunk.Save(ctx, enc); err != nil {
		t.mu.Unlock()
		return &Storage{Err: err}
	}

	t.cache.Delete(id)
	delete(t.liveIDs, id)
	t.stats.tossed.Add(1)
	t.mu.Unlock()

	var zero T
	t.disp.publish(Nut[T]{ID: id, Payload: zero, Timestamp: raw.Timestamp, Version: version, Deleted: true})
	return nil
}

// expireHint is invoked by the reaper for a due expiry hint; it is a
// no-op if the record has since been overwritten or removed.
func (t *Tree[T]) expireHint(ctx context.Context, id string, version uint64) {
	raw, found, err := t.loadRaw(ctx, id)
	if err != nil || !found || raw.Deleted || raw.Version != version {
		return
	}
	if !raw.expired(t.now()) {
		return
	}
	if err := t.Toss(ctx, id); err == nil {
		t.stats.reaped.Add(1)
	}
}

// GetHistory iterates every version ever written for id, oldest first.
// Fails with ErrUnsupported unless the trunk reports the History
// capability, and with ErrNotFound when the trunk holds no record for id.
func (t *Tree[T]) GetHistory(ctx context.Context, id string, fn func(Nut[T]) bool) error {
	if !t.trunk.Capabilities().History {
		return ErrUnsupported
	}
	var outerErr error
	visited := 0
	err := t.trunk.GetHistory(ctx, id, func(enc trunk.EncodedNut) bool {
		visited++
		raw, err := t.decodeRaw(enc.Data)
		if err != nil {
			outerErr = err
			return false
		}
		nut, err := t.toTypedNut(raw)
		if err != nil {
			outerErr = err
			return false
		}
		return fn(nut)
	})
	if outerErr != nil {
		return outerErr
	}
	if err != nil {
		return &Storage{Err: err}
	}
	if visited == 0 {
		_, found, err := t.trunk.Load(ctx, id)
		if err != nil {
			return &Storage{Err: err}
		}
		if !found {
			return ErrNotFound
		}
	}
	return nil
}

// ExportChangesSince yields every record (including tombstones) with
// timestamp >= since, or every record if since is nil.
func (t *Tree[T]) ExportChangesSince(ctx context.Context, since *time.Time, fn func(Nut[T]) bool) error {
	if !t.trunk.Capabilities().SyncExport {
		return ErrUnsupported
	}
	var outerErr error
	err := t.trunk.ExportChanges(ctx, func(enc trunk.EncodedNut) bool {
		raw, err := t.decodeRaw(enc.Data)
		if err != nil {
			outerErr = err
			return false
		}
		if since != nil && raw.Timestamp.Before(*since) {
			return true
		}
		nut, err := t.toTypedNut(raw)
		if err != nil {
			outerErr = err
			return false
		}
		return fn(nut)
	})
	if outerErr != nil {
		return outerErr
	}
	if err != nil {
		return &Storage{Err: err}
	}
	return nil
}

func (t *Tree[T]) toTypedNut(raw rawNut) (Nut[T], error) {
	var payload T
	if !raw.Deleted && len(raw.Payload) > 0 {
		if err := t.serializer.Decode(raw.Payload, &payload); err != nil {
			return Nut[T]{}, &Serialization{Err: err}
		}
	}
	return Nut[T]{
		ID:        raw.ID,
		Payload:   payload,
		Timestamp: raw.Timestamp,
		Version:   raw.Version,
		ExpiresAt: raw.ExpiresAt,
		Deleted:   raw.Deleted,
	}, nil
}

// Import applies incoming via Squabble (§4.1.1) and writes it to the
// trunk when it wins, preserving its original timestamp and version.
func (t *Tree[T]) Import(ctx context.Context, incoming Nut[T]) (ImportOutcome, error) {
	if incoming.ID == "" {
		return RejectedOlder, ErrInvalidInput
	}
	if isReentrant(ctx, t.disp.token) {
		return RejectedOlder, ErrReentrant
	}

	payload, err := t.serializer.Encode(incoming.Payload)
	if err != nil {
		return RejectedOlder, &Serialization{Err: err}
	}

	t.mu.Lock()
	if t.disabled {
		t.mu.Unlock()
		return RejectedOlder, ErrUnsupported
	}

	local, hadLocal, err := t.loadRaw(ctx, incoming.ID)
	if err != nil {
		t.mu.Unlock()
		return RejectedOlder, err
	}

	var localTS int64
	var localVersion uint64
	var localPayload []byte
	if hadLocal {
		localTS = local.Timestamp.UnixNano()
		localVersion = local.Version
		localPayload = local.Payload
	}

	decision := squabble(hadLocal, localTS, localVersion, localPayload,
		incoming.Timestamp.UnixNano(), incoming.Version, payload)

	if hadLocal {
		t.stats.squabbles.Add(1)
	}

	if decision != IncomingWins {
		t.mu.Unlock()
		if decision == NoOp {
			return RejectedEqual, nil
		}
		return RejectedOlder, nil
	}

	raw := rawNut{
		ID: incoming.ID, Payload: payload, Timestamp: incoming.Timestamp,
		Version: incoming.Version, ExpiresAt: incoming.ExpiresAt, Deleted: incoming.Deleted,
	}
	enc, err := t.encodeRaw(raw)
	if err != nil {
		t.mu.Unlock()
		return RejectedOlder, err
	}
	if err := t.trunk.Save(ctx, enc); err != nil {
		t.mu.Unlock()
		return RejectedOlder, &Storage{Err: err}
	}

	if raw.Deleted {
		t.cache.Delete(incoming.ID)
		delete(t.liveIDs, incoming.ID)
	} else {
		t.cache.Put(incoming.ID, raw.marshal())
		t.liveIDs[incoming.ID] = struct{}{}
	}
	t.mu.Unlock()

	t.disp.publish(incoming)
	return Accepted, nil
}

// Squabble reports the conflict-resolution Decision for incoming
// against the current local record, without writing anything.
func (t *Tree[T]) Squabble(ctx context.Context, id string, incoming Nut[T]) (Decision, error) {
	payload, err := t.serializer.Encode(incoming.Payload)
	if err != nil {
		return LocalWins, &Serialization{Err: err}
	}

	local, hadLocal, err := t.loadRaw(ctx, id)
	if err != nil {
		return LocalWins, err
	}

	var localTS int64
	var localVersion uint64
	var localPayload []byte
	if hadLocal {
		localTS = local.Timestamp.UnixNano()
		localVersion = local.Version
		localPayload = local.Payload
	}

	return squabble(hadLocal, localTS, localVersion, localPayload,
		incoming.Timestamp.UnixNano(), incoming.Version, payload), nil
}

// Subscribe registers callback to be invoked on a background goroutine
// for every Accepted write matching predicate (nil matches everything).
func (t *Tree[T]) Subscribe(predicate Predicate[T], callback Callback[T]) *Subscription {
	return t.disp.subscribe(predicate, callback)
}

// NutCount reports the number of currently live (non-tombstoned)
// records.
func (t *Tree[T]) NutCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.liveIDs)
}

// TotalStashed reports the cumulative number of successful Stash calls.
func (t *Tree[T]) TotalStashed() uint64 { return t.stats.stashed.Load() }

// TotalTossed reports the cumulative number of successful Toss calls
// (including reaper-driven expirations).
func (t *Tree[T]) TotalTossed() uint64 { return t.stats.tossed.Load() }

// SquabblesResolved reports the cumulative number of conflicts detected
// during Import, regardless of winner.
func (t *Tree[T]) SquabblesResolved() uint64 { return t.stats.squabbles.Load() }

// Dispose stops the TTL reaper and dispatcher and closes the trunk.
// Further writes return ErrUnsupported; Crack continues to work until
// the trunk is closed.
func (t *Tree[T]) Dispose(ctx context.Context) error {
	t.mu.Lock()
	t.disabled = true
	t.mu.Unlock()

	if t.reap != nil {
		t.reap.stopAndWait()
	}
	t.disp.closeAll()
	return t.trunk.Close()
}
