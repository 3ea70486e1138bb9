package appendlog

import (
	"sync"

	"github.com/azmodb/llrb"

	"github.com/acorndb/acorn/trunk"
)

// index is the in-memory id -> current-value map, backed by an LLRB
// tree and guarded by its own RWMutex instead of the atomic-pointer
// swap trunk/memory uses.
type index struct {
	mu   sync.RWMutex
	tree *llrb.Tree
}

type indexElement struct {
	id  string
	nut trunk.EncodedNut
}

func (e *indexElement) Compare(other llrb.Element) int {
	o := other.(*indexElement)
	switch {
	case e.id < o.id:
		return -1
	case e.id > o.id:
		return 1
	default:
		return 0
	}
}

func newIndex() *index {
	return &index{tree: &llrb.Tree{}}
}

func (ix *index) get(id string) (trunk.EncodedNut, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if elem := ix.tree.Get(&indexElement{id: id}); elem != nil {
		return elem.(*indexElement).nut, true
	}
	return trunk.EncodedNut{}, false
}

func (ix *index) put(nut trunk.EncodedNut) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	txn := ix.tree.Txn()
	txn.Insert(&indexElement{id: nut.ID, nut: nut})
	ix.tree = txn.Commit()
}

func (ix *index) delete(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	txn := ix.tree.Txn()
	if elem := txn.Get(&indexElement{id: id}); elem != nil {
		txn.Delete(elem)
	}
	ix.tree = txn.Commit()
}

func (ix *index) forEach(fn func(trunk.EncodedNut) bool) {
	ix.mu.RLock()
	tree := ix.tree
	ix.mu.RUnlock()

	tree.ForEach(func(elem llrb.Element) bool {
		return fn(elem.(*indexElement).nut)
	})
}

func (ix *index) len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.tree.Len()
}
