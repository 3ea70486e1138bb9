// Package file implements trunk.Trunk as one file per record, written
// via a temp-file-then-rename sequence for atomicity: os.WriteFile(tmp)
// followed by os.Rename, which is atomic on POSIX filesystems. This is
// the simplest durable reference Trunk: no history, no WAL, last value
// wins per id.
package file

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/acorndb/acorn/trunk"
)

const filePerm = 0o644
const dirPerm = 0o755

// Trunk is a one-file-per-id durable trunk.Trunk.
type Trunk struct {
	mu  sync.RWMutex
	dir string
}

// Open returns a Trunk rooted at dir, creating it if necessary.
func Open(dir string) (*Trunk, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, err
	}
	return &Trunk{dir: dir}, nil
}

// sanitize maps an arbitrary id to a safe filename: hex-encoded, so
// ids containing path separators or other filesystem-hostile
// characters can never escape dir.
func sanitize(id string) string {
	return hex.EncodeToString([]byte(id)) + ".nut"
}

func desanitize(name string) (string, bool) {
	if !strings.HasSuffix(name, ".nut") {
		return "", false
	}
	raw, err := hex.DecodeString(strings.TrimSuffix(name, ".nut"))
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func (t *Trunk) path(id string) string {
	return filepath.Join(t.dir, sanitize(id))
}

// Save implements trunk.Trunk using write-to-temp-then-rename.
func (t *Trunk) Save(_ context.Context, nut trunk.EncodedNut) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.path(nut.ID)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, nut.Data, filePerm); err != nil {
		return err
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Load implements trunk.Trunk.
func (t *Trunk) Load(_ context.Context, id string) (trunk.EncodedNut, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	data, err := os.ReadFile(t.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return trunk.EncodedNut{}, false, nil
		}
		return trunk.EncodedNut{}, false, err
	}
	return trunk.EncodedNut{ID: id, Data: data}, true, nil
}

// Delete implements trunk.Trunk by removing the backing file.
func (t *Trunk) Delete(_ context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := os.Remove(t.path(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (t *Trunk) scan(fn func(id string, data []byte) bool) error {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, ok := desanitize(e.Name())
		if !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(t.dir, e.Name()))
		if err != nil {
			continue // racing delete/rename; skip rather than fail the whole scan
		}
		if !fn(id, data) {
			return nil
		}
	}
	return nil
}

// LoadAll implements trunk.Trunk via a directory scan.
func (t *Trunk) LoadAll(_ context.Context, fn func(trunk.EncodedNut) bool) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.scan(func(id string, data []byte) bool {
		return fn(trunk.EncodedNut{ID: id, Data: data})
	})
}

// GetHistory implements trunk.Trunk. FileTrunk keeps only the latest
// write per id, so it does not report the History capability.
func (t *Trunk) GetHistory(context.Context, string, func(trunk.EncodedNut) bool) error {
	return trunk.ErrUnsupported
}

// ExportChanges implements trunk.Trunk. Equivalent to LoadAll: every
// file on disk, including tombstones (a tombstone is an ordinary
// record with Deleted=true, not a removed file).
func (t *Trunk) ExportChanges(ctx context.Context, fn func(trunk.EncodedNut) bool) error {
	return t.LoadAll(ctx, fn)
}

// Import implements trunk.Trunk.
func (t *Trunk) Import(ctx context.Context, nuts []trunk.EncodedNut) error {
	for _, n := range nuts {
		if err := t.Save(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// Capabilities implements trunk.Trunk.
func (t *Trunk) Capabilities() trunk.Capabilities {
	return trunk.Capabilities{History: false, Durable: true, Async: false, SyncExport: true}
}

// Close implements trunk.Trunk. FileTrunk holds no open handles
// between calls.
func (t *Trunk) Close() error { return nil }
