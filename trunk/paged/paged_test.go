package paged

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/acorndb/acorn/trunk"
)

func openTestTrunk(t *testing.T) *Trunk {
	t.Helper()
	tr, err := Open(filepath.Join(t.TempDir(), "nuts.db"), time.Second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestSaveLoadRoundtrip(t *testing.T) {
	tr := openTestTrunk(t)
	ctx := context.Background()

	must(t, tr.Save(ctx, trunk.EncodedNut{ID: "a", Data: []byte("1")}))
	got, ok, err := tr.Load(ctx, "a")
	if err != nil || !ok || string(got.Data) != "1" {
		t.Fatalf("Load: %+v ok=%v err=%v", got, ok, err)
	}
}

func TestOpenHonorsTimeoutOnLockedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nuts.db")
	first, err := Open(path, time.Second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer first.Close()

	if _, err := Open(path, 50*time.Millisecond); err == nil {
		t.Fatal("expected second Open of a locked file to time out")
	}
}

func TestDeleteRemovesRecord(t *testing.T) {
	tr := openTestTrunk(t)
	ctx := context.Background()
	must(t, tr.Save(ctx, trunk.EncodedNut{ID: "a", Data: []byte("1")}))
	must(t, tr.Delete(ctx, "a"))

	_, ok, _ := tr.Load(ctx, "a")
	if ok {
		t.Fatal("expected record gone after Delete")
	}
}

func TestLoadAllVisitsInKeyOrder(t *testing.T) {
	tr := openTestTrunk(t)
	ctx := context.Background()
	must(t, tr.Save(ctx, trunk.EncodedNut{ID: "b", Data: []byte("2")}))
	must(t, tr.Save(ctx, trunk.EncodedNut{ID: "a", Data: []byte("1")}))

	var ids []string
	must(t, tr.LoadAll(ctx, func(n trunk.EncodedNut) bool {
		ids = append(ids, n.ID)
		return true
	}))
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("expected key-ordered scan [a b], got %v", ids)
	}
}

func TestImportBatchesInOneTransaction(t *testing.T) {
	tr := openTestTrunk(t)
	ctx := context.Background()
	must(t, tr.Import(ctx, []trunk.EncodedNut{
		{ID: "a", Data: []byte("1")},
		{ID: "b", Data: []byte("2")},
	}))

	for id, want := range map[string]string{"a": "1", "b": "2"} {
		got, ok, err := tr.Load(ctx, id)
		if err != nil || !ok || string(got.Data) != want {
			t.Fatalf("id %q: %+v ok=%v err=%v", id, got, ok, err)
		}
	}
}

func TestCapabilitiesReportsDurableNotHistory(t *testing.T) {
	caps := openTestTrunk(t).Capabilities()
	if !caps.Durable {
		t.Fatal("PagedKeyedTrunk must report Durable")
	}
	if caps.History {
		t.Fatal("PagedKeyedTrunk must not report History")
	}
}

func TestGetHistoryUnsupported(t *testing.T) {
	tr := openTestTrunk(t)
	err := tr.GetHistory(context.Background(), "a", func(trunk.EncodedNut) bool { return true })
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
