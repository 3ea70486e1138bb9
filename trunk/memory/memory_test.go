package memory

import (
	"context"
	"testing"

	"github.com/acorndb/acorn/trunk"
)

func TestSaveLoad(t *testing.T) {
	tr := New()
	ctx := context.Background()

	if err := tr.Save(ctx, trunk.EncodedNut{ID: "a", Data: []byte("1")}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, ok, err := tr.Load(ctx, "a")
	if err != nil || !ok || string(got.Data) != "1" {
		t.Fatalf("Load: %+v ok=%v err=%v", got, ok, err)
	}
}

func TestLoadMissingIsNotFoundNotError(t *testing.T) {
	tr := New()
	_, ok, err := tr.Load(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing id")
	}
}

func TestSaveOverwrites(t *testing.T) {
	tr := New()
	ctx := context.Background()
	must(t, tr.Save(ctx, trunk.EncodedNut{ID: "a", Data: []byte("1")}))
	must(t, tr.Save(ctx, trunk.EncodedNut{ID: "a", Data: []byte("2")}))

	got, _, _ := tr.Load(ctx, "a")
	if string(got.Data) != "2" {
		t.Fatalf("expected overwritten value, got %q", got.Data)
	}
}

func TestDelete(t *testing.T) {
	tr := New()
	ctx := context.Background()
	must(t, tr.Save(ctx, trunk.EncodedNut{ID: "a", Data: []byte("1")}))
	must(t, tr.Delete(ctx, "a"))

	_, ok, _ := tr.Load(ctx, "a")
	if ok {
		t.Fatal("expected record gone after Delete")
	}
}

func TestLoadAllIteratesEveryRecord(t *testing.T) {
	tr := New()
	ctx := context.Background()
	must(t, tr.Save(ctx, trunk.EncodedNut{ID: "a", Data: []byte("1")}))
	must(t, tr.Save(ctx, trunk.EncodedNut{ID: "b", Data: []byte("2")}))

	seen := map[string]bool{}
	must(t, tr.LoadAll(ctx, func(n trunk.EncodedNut) bool {
		seen[n.ID] = true
		return true
	}))
	if !seen["a"] || !seen["b"] {
		t.Fatalf("expected both records visited, got %v", seen)
	}
}

func TestLoadAllStopsOnFalse(t *testing.T) {
	tr := New()
	ctx := context.Background()
	must(t, tr.Save(ctx, trunk.EncodedNut{ID: "a", Data: []byte("1")}))
	must(t, tr.Save(ctx, trunk.EncodedNut{ID: "b", Data: []byte("2")}))

	count := 0
	must(t, tr.LoadAll(ctx, func(trunk.EncodedNut) bool {
		count++
		return false
	}))
	if count != 1 {
		t.Fatalf("expected iteration to stop after 1, got %d", count)
	}
}

func TestImportAppliesBatch(t *testing.T) {
	tr := New()
	ctx := context.Background()
	must(t, tr.Import(ctx, []trunk.EncodedNut{
		{ID: "a", Data: []byte("1")},
		{ID: "b", Data: []byte("2")},
	}))

	_, ok, _ := tr.Load(ctx, "a")
	if !ok {
		t.Fatal("expected imported record a")
	}
	_, ok, _ = tr.Load(ctx, "b")
	if !ok {
		t.Fatal("expected imported record b")
	}
}

func TestCapabilities(t *testing.T) {
	caps := New().Capabilities()
	if caps.History {
		t.Fatal("MemoryTrunk must not report History")
	}
	if caps.Durable {
		t.Fatal("MemoryTrunk must not report Durable")
	}
	if !caps.SyncExport {
		t.Fatal("MemoryTrunk must report SyncExport")
	}
}

func TestGetHistoryUnsupported(t *testing.T) {
	err := New().GetHistory(context.Background(), "a", func(trunk.EncodedNut) bool { return true })
	if err != trunk.ErrUnsupported {
		t.Fatalf("expected trunk.ErrUnsupported, got %v", err)
	}
}

var _ trunk.Trunk = (*Trunk)(nil)

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
