// Package paged implements trunk.Trunk as a memory-mapped,
// shadow-paged, checksummed keyed file store by wrapping a single
// boltdb/bolt bucket. BoltDB's on-disk format already is exactly that
// (a single-writer, mmap'd, copy-on-write B+tree with page-level
// checksumming on every commit), so this trunk wraps it directly
// rather than reimplementing a B+tree from scratch — see DESIGN.md's
// Open Question resolution for the full reasoning.
package paged

import (
	"context"
	"time"

	"github.com/boltdb/bolt"

	"github.com/acorndb/acorn/trunk"
)

var nutsBucket = []byte("nuts")

// Trunk wraps a single bolt.DB file containing one bucket keyed by nut
// id.
type Trunk struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a bolt-backed Trunk at path.
// Timeout bounds how long to wait for the exclusive file lock bolt
// takes on Open; zero waits indefinitely.
func Open(path string, timeout time.Duration) (*Trunk, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(nutsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Trunk{db: db}, nil
}

// Save implements trunk.Trunk.
func (t *Trunk) Save(_ context.Context, nut trunk.EncodedNut) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(nutsBucket).Put([]byte(nut.ID), nut.Data)
	})
}

// Load implements trunk.Trunk.
func (t *Trunk) Load(_ context.Context, id string) (trunk.EncodedNut, bool, error) {
	var out trunk.EncodedNut
	var found bool
	err := t.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(nutsBucket).Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		out = trunk.EncodedNut{ID: id, Data: append([]byte(nil), v...)}
		return nil
	})
	return out, found, err
}

// Delete implements trunk.Trunk.
func (t *Trunk) Delete(_ context.Context, id string) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(nutsBucket).Delete([]byte(id))
	})
}

// LoadAll implements trunk.Trunk.
func (t *Trunk) LoadAll(_ context.Context, fn func(trunk.EncodedNut) bool) error {
	return t.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(nutsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if !fn(trunk.EncodedNut{ID: string(k), Data: append([]byte(nil), v...)}) {
				return nil
			}
		}
		return nil
	})
}

// GetHistory implements trunk.Trunk. The bucket holds only the latest
// write per key, so PagedKeyedTrunk does not report the History
// capability.
func (t *Trunk) GetHistory(context.Context, string, func(trunk.EncodedNut) bool) error {
	return trunk.ErrUnsupported
}

// ExportChanges implements trunk.Trunk, equivalent to LoadAll.
func (t *Trunk) ExportChanges(ctx context.Context, fn func(trunk.EncodedNut) bool) error {
	return t.LoadAll(ctx, fn)
}

// Import implements trunk.Trunk as a single bolt transaction.
func (t *Trunk) Import(_ context.Context, nuts []trunk.EncodedNut) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(nutsBucket)
		for _, n := range nuts {
			if err := b.Put([]byte(n.ID), n.Data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Capabilities implements trunk.Trunk.
func (t *Trunk) Capabilities() trunk.Capabilities {
	return trunk.Capabilities{History: false, Durable: true, Async: false, SyncExport: true}
}

// Close implements trunk.Trunk.
func (t *Trunk) Close() error { return t.db.Close() }
