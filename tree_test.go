package acorn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/acorndb/acorn/cache"
	"github.com/acorndb/acorn/internal/clock"
	"github.com/acorndb/acorn/roots"
	"github.com/acorndb/acorn/trunk/memory"
)

// widget has no Identifiable method, exercising the idfield reflect
// fallback (its exported ID field matches the Id/ID/Key candidates).
type widget struct {
	ID   string
	Name string
}

func fakeClock(t *time.Time) clock.Clock {
	return func() time.Time { return *t }
}

func openTestTree(t *testing.T, opts ...Option) (*Tree[widget], *time.Time) {
	t.Helper()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	all := append([]Option{withClock(fakeClock(&now))}, opts...)
	tr, err := Open[widget](memory.New(), all...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { tr.Dispose(context.Background()) })
	return tr, &now
}

func TestStashExtractsIDFromField(t *testing.T) {
	tr, _ := openTestTree(t)
	ctx := context.Background()

	if err := tr.Stash(ctx, widget{ID: "w1", Name: "a"}); err != nil {
		t.Fatalf("Stash: %v", err)
	}
	got, ok, err := tr.Crack(ctx, "w1")
	if err != nil || !ok || got.Name != "a" {
		t.Fatalf("Crack: %+v ok=%v err=%v", got, ok, err)
	}
}

func TestStashAndCrack(t *testing.T) {
	tr, _ := openTestTree(t)
	ctx := context.Background()

	if err := tr.StashWith(ctx, "w1", widget{ID: "w1", Name: "a"}); err != nil {
		t.Fatalf("StashWith: %v", err)
	}

	got, ok, err := tr.Crack(ctx, "w1")
	if err != nil || !ok {
		t.Fatalf("Crack: %v, ok=%v", err, ok)
	}
	if got.Name != "a" {
		t.Fatalf("got %+v", got)
	}
}

func TestStashVersionMonotonic(t *testing.T) {
	tr, _ := openTestTree(t)
	ctx := context.Background()

	// The memory trunk keeps no history, so read the current version
	// after each write instead.
	var seen uint64
	for i := 0; i < 3; i++ {
		if err := tr.StashWith(ctx, "w1", widget{ID: "w1", Name: "v"}); err != nil {
			t.Fatalf("StashWith: %v", err)
		}
		var version uint64
		err := tr.ExportChangesSince(ctx, nil, func(n Nut[widget]) bool {
			if n.ID == "w1" {
				version = n.Version
			}
			return true
		})
		if err != nil {
			t.Fatalf("ExportChangesSince: %v", err)
		}
		if version <= seen {
			t.Fatalf("version not strictly increasing: %d after %d", version, seen)
		}
		seen = version
	}
	if seen != 3 {
		t.Fatalf("expected final version 3, got %d", seen)
	}
}

func TestTossIdempotentOnAbsentID(t *testing.T) {
	tr, _ := openTestTree(t)
	ctx := context.Background()

	if err := tr.Toss(ctx, "ghost"); err != nil {
		t.Fatalf("Toss: %v", err)
	}
	_, ok, err := tr.Crack(ctx, "ghost")
	if err != nil {
		t.Fatalf("Crack: %v", err)
	}
	if ok {
		t.Fatalf("expected absent after toss")
	}
}

func TestTossThenRestashResumesVersion(t *testing.T) {
	tr, _ := openTestTree(t)
	ctx := context.Background()

	must(t, tr.StashWith(ctx, "w1", widget{ID: "w1", Name: "a"})) // v1
	must(t, tr.Toss(ctx, "w1"))                                   // v2 (tombstone)
	must(t, tr.StashWith(ctx, "w1", widget{ID: "w1", Name: "b"})) // v3

	var lastVersion uint64
	must(t, tr.ExportChangesSince(ctx, nil, func(n Nut[widget]) bool {
		if n.ID == "w1" {
			lastVersion = n.Version
		}
		return true
	}))
	if lastVersion != 3 {
		t.Fatalf("expected version 3 after toss+restash, got %d", lastVersion)
	}
}

func TestCrackAppliesTTL(t *testing.T) {
	tr, now := openTestTree(t, WithDefaultTTL(time.Minute))
	ctx := context.Background()

	must(t, tr.StashWith(ctx, "w1", widget{ID: "w1", Name: "a"}))

	*now = now.Add(2 * time.Minute)
	_, ok, err := tr.Crack(ctx, "w1")
	if err != nil {
		t.Fatalf("Crack: %v", err)
	}
	if ok {
		t.Fatalf("expected expired record to read as absent")
	}
}

func TestGetHistoryUnsupportedWithoutCapability(t *testing.T) {
	// memory trunk reports History: false.
	tr, _ := openTestTree(t)
	err := tr.GetHistory(context.Background(), "w1", func(Nut[widget]) bool { return true })
	if err != ErrUnsupported {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestImportLWWNewerWins(t *testing.T) {
	tr, now := openTestTree(t)
	ctx := context.Background()

	must(t, tr.StashWith(ctx, "w1", widget{ID: "w1", Name: "local"}))

	incoming := Nut[widget]{ID: "w1", Payload: widget{ID: "w1", Name: "remote"}, Timestamp: now.Add(time.Hour), Version: 1}
	outcome, err := tr.Import(ctx, incoming)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if outcome != Accepted {
		t.Fatalf("expected Accepted, got %v", outcome)
	}

	got, ok, err := tr.Crack(ctx, "w1")
	if err != nil || !ok {
		t.Fatalf("Crack: %v, ok=%v", err, ok)
	}
	if got.Name != "remote" {
		t.Fatalf("expected remote to win, got %+v", got)
	}
}

func TestImportLWWOlderRejected(t *testing.T) {
	tr, now := openTestTree(t)
	ctx := context.Background()

	must(t, tr.StashWith(ctx, "w1", widget{ID: "w1", Name: "local"}))

	incoming := Nut[widget]{ID: "w1", Payload: widget{ID: "w1", Name: "remote"}, Timestamp: now.Add(-time.Hour), Version: 1}
	outcome, err := tr.Import(ctx, incoming)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if outcome != RejectedOlder {
		t.Fatalf("expected RejectedOlder, got %v", outcome)
	}

	got, ok, err := tr.Crack(ctx, "w1")
	if err != nil || !ok || got.Name != "local" {
		t.Fatalf("expected local unchanged, got %+v ok=%v err=%v", got, ok, err)
	}
}

func TestSubscribeReceivesWrites(t *testing.T) {
	tr, _ := openTestTree(t)
	ctx := context.Background()

	var mu sync.Mutex
	var received []string
	done := make(chan struct{})

	sub := tr.Subscribe(nil, func(_ context.Context, n Nut[widget]) {
		mu.Lock()
		received = append(received, n.ID)
		if len(received) == 2 {
			close(done)
		}
		mu.Unlock()
	})
	defer sub.Close()

	must(t, tr.StashWith(ctx, "w1", widget{ID: "w1"}))
	must(t, tr.StashWith(ctx, "w2", widget{ID: "w2"}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription callbacks")
	}
}

func TestReentrantSubscriberCallbackRejected(t *testing.T) {
	tr, _ := openTestTree(t)
	ctx := context.Background()

	errCh := make(chan error, 1)
	sub := tr.Subscribe(nil, func(cbCtx context.Context, n Nut[widget]) {
		errCh <- tr.StashWith(cbCtx, "reentrant", widget{ID: "reentrant"})
	})
	defer sub.Close()

	must(t, tr.StashWith(ctx, "w1", widget{ID: "w1"}))

	select {
	case err := <-errCh:
		if err != ErrReentrant {
			t.Fatalf("expected ErrReentrant, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reentrant callback")
	}
}

func TestStashEmptyIDFails(t *testing.T) {
	tr, _ := openTestTree(t)
	if err := tr.StashWith(context.Background(), "", widget{}); err != ErrInvalidInput {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestNutCountTracksLiveRecords(t *testing.T) {
	tr, _ := openTestTree(t)
	ctx := context.Background()

	must(t, tr.StashWith(ctx, "w1", widget{ID: "w1"}))
	must(t, tr.StashWith(ctx, "w2", widget{ID: "w2"}))
	if n := tr.NutCount(); n != 2 {
		t.Fatalf("expected 2 live, got %d", n)
	}

	must(t, tr.Toss(ctx, "w1"))
	if n := tr.NutCount(); n != 1 {
		t.Fatalf("expected 1 live after toss, got %d", n)
	}
}

func TestDisposeRejectsFurtherWrites(t *testing.T) {
	tr, _ := openTestTree(t)
	ctx := context.Background()
	must(t, tr.Dispose(ctx))

	if err := tr.StashWith(ctx, "w1", widget{ID: "w1"}); err != ErrUnsupported {
		t.Fatalf("expected ErrUnsupported after Dispose, got %v", err)
	}
}

func TestRoundtripThroughPipelineAndCache(t *testing.T) {
	// P7: Decode(Encode(x)) == x, exercised end to end with a
	// compression root and a bounded cache.
	compress := roots.NewCompression(1, 0)
	tr, err := Open[widget](memory.New(), WithRoots(compress), WithCache(cache.NewLRU(4)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Dispose(context.Background())

	ctx := context.Background()
	must(t, tr.StashWith(ctx, "w1", widget{ID: "w1", Name: "roundtrip"}))

	got, ok, err := tr.Crack(ctx, "w1")
	if err != nil || !ok || got.Name != "roundtrip" {
		t.Fatalf("Crack: %+v ok=%v err=%v", got, ok, err)
	}
}

func TestExtractIDFromIdentifiable(t *testing.T) {
	id, err := extractID(identifiableWidget{id: "x1"})
	if err != nil || id != "x1" {
		t.Fatalf("extractID: %q, %v", id, err)
	}
}

func TestExtractIDMissingFieldFails(t *testing.T) {
	type noID struct{ Name string }
	if _, err := extractID(noID{Name: "a"}); err != ErrInvalidInput {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

type identifiableWidget struct{ id string }

func (w identifiableWidget) ID() string { return w.id }

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
