// Package memory implements trunk.Trunk over an immutable,
// atomic-pointer-swapped LLRB tree: lock-free reads against a
// consistent snapshot, a single writer mutex serializing mutations,
// and a new immutable tree published via atomic.StorePointer on every
// write. Nothing survives process restart; this is the reference
// in-process Trunk used for tests and for Tangle sinks that don't need
// durability.
package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/azmodb/llrb"

	"github.com/acorndb/acorn/trunk"
)

// Trunk is an in-memory trunk.Trunk. The zero value is not usable; use
// New.
type Trunk struct {
	writer sync.Mutex // exclusive writer, mirrors db.go's DB.writer
	root   unsafe.Pointer // *llrb.Tree, swapped atomically
}

// New returns an empty in-memory Trunk.
func New() *Trunk {
	t := &Trunk{}
	atomic.StorePointer(&t.root, unsafe.Pointer(&llrb.Tree{}))
	return t
}

type element struct {
	id  string
	nut trunk.EncodedNut
}

func (e *element) Compare(other llrb.Element) int {
	o := other.(*element)
	switch {
	case e.id < o.id:
		return -1
	case e.id > o.id:
		return 1
	default:
		return 0
	}
}

func matcher(id string) *element { return &element{id: id} }

func (t *Trunk) load() *llrb.Tree {
	return (*llrb.Tree)(atomic.LoadPointer(&t.root))
}

func (t *Trunk) store(tr *llrb.Tree) {
	atomic.StorePointer(&t.root, unsafe.Pointer(tr))
}

// Save implements trunk.Trunk.
func (t *Trunk) Save(_ context.Context, nut trunk.EncodedNut) error {
	t.writer.Lock()
	defer t.writer.Unlock()

	txn := t.load().Txn()
	txn.Insert(&element{id: nut.ID, nut: nut})
	t.store(txn.Commit())
	return nil
}

// Load implements trunk.Trunk.
func (t *Trunk) Load(_ context.Context, id string) (trunk.EncodedNut, bool, error) {
	root := t.load()
	if elem := root.Get(matcher(id)); elem != nil {
		return elem.(*element).nut, true, nil
	}
	return trunk.EncodedNut{}, false, nil
}

// Delete implements trunk.Trunk.
func (t *Trunk) Delete(_ context.Context, id string) error {
	t.writer.Lock()
	defer t.writer.Unlock()

	txn := t.load().Txn()
	if elem := txn.Get(matcher(id)); elem != nil {
		txn.Delete(elem)
	}
	t.store(txn.Commit())
	return nil
}

// LoadAll implements trunk.Trunk.
func (t *Trunk) LoadAll(_ context.Context, fn func(trunk.EncodedNut) bool) error {
	root := t.load()
	root.ForEach(func(elem llrb.Element) bool {
		return fn(elem.(*element).nut)
	})
	return nil
}

// GetHistory implements trunk.Trunk. MemoryTrunk keeps only the current
// version of each record, so it does not report the History
// capability.
func (t *Trunk) GetHistory(context.Context, string, func(trunk.EncodedNut) bool) error {
	return trunk.ErrUnsupported
}

// ExportChanges implements trunk.Trunk. Tombstones are ordinary Save
// calls from the Tree's perspective (Toss writes a record with
// Deleted=true rather than calling Delete), so they remain in the tree
// and this is equivalent to LoadAll.
func (t *Trunk) ExportChanges(ctx context.Context, fn func(trunk.EncodedNut) bool) error {
	return t.LoadAll(ctx, fn)
}

// Import implements trunk.Trunk.
func (t *Trunk) Import(_ context.Context, nuts []trunk.EncodedNut) error {
	t.writer.Lock()
	defer t.writer.Unlock()

	txn := t.load().Txn()
	for _, n := range nuts {
		txn.Insert(&element{id: n.ID, nut: n})
	}
	t.store(txn.Commit())
	return nil
}

// Capabilities implements trunk.Trunk.
func (t *Trunk) Capabilities() trunk.Capabilities {
	return trunk.Capabilities{History: false, Durable: false, Async: false, SyncExport: true}
}

// Close implements trunk.Trunk. MemoryTrunk holds no external
// resources.
func (t *Trunk) Close() error { return nil }
