// Package appendlog implements trunk.Trunk as a write-ahead log
// (log.aol) with an in-memory index, periodic durable snapshots
// (snapshot.idx/snapshot.seq) and compaction ("smush"): every write
// appends one framed record to log.aol, and a fresh process replays
// log.aol from the last snapshot on startup to rebuild the index.
package appendlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edsrzf/mmap-go"
	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/acorndb/acorn/trunk"
)

// FsyncPolicy controls how aggressively Save forces log.aol to disk.
// The default batches at 10ms, trading a bounded durability window for
// much higher write throughput than an fsync-per-record policy.
type FsyncPolicy struct {
	// Synchronous, if true, fsyncs before every Save/Import returns.
	Synchronous bool
	// Interval is how often a background goroutine fsyncs when
	// Synchronous is false. Defaults to 10ms.
	Interval time.Duration
}

func defaultFsyncPolicy() FsyncPolicy {
	return FsyncPolicy{Interval: 10 * time.Millisecond}
}

// CompactionPolicy controls automatic Smush triggering: compacting once
// the log has grown well past the working set captured by the last
// snapshot. The trigger is exposed as a tunable ratio rather than a
// hardcoded constant so callers can tune it to their write volume.
type CompactionPolicy struct {
	// Enabled turns on the background compaction checker. Disabled by
	// default: callers may prefer to drive Smush themselves.
	Enabled bool
	// Ratio is the log-size-to-snapshot-size multiple that triggers an
	// automatic Smush. Defaults to 2 (log.aol > 2x snapshot.idx).
	Ratio float64
	// CheckInterval is how often the background checker compares sizes.
	// Defaults to one second.
	CheckInterval time.Duration
}

func defaultCompactionPolicy() CompactionPolicy {
	return CompactionPolicy{Ratio: 2, CheckInterval: time.Second}
}

// Option configures Open.
type Option func(*Trunk)

// WithFsyncPolicy overrides the default 10ms-batched fsync policy.
func WithFsyncPolicy(p FsyncPolicy) Option {
	return func(t *Trunk) { t.fsync = p }
}

// WithCompactionPolicy overrides the default (disabled) auto-compaction
// policy.
func WithCompactionPolicy(p CompactionPolicy) Option {
	return func(t *Trunk) { t.compaction = p }
}

// WithLogger attaches a structured logger, used to report the repair
// this package performs automatically: truncating log.aol at the first
// bad frame found during replay.
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Trunk) { t.logger = logger }
}

// Trunk is the append-log-backed trunk.Trunk.
type Trunk struct {
	dir        string
	fsync      FsyncPolicy
	compaction CompactionPolicy
	logger     zerolog.Logger

	mu  sync.Mutex // serializes log.aol writers
	log *os.File
	ix  *index

	generation uint64 // bumped on every Smush; written to snapshot.seq
	repairs    atomic.Uint64

	lock *flock.Flock

	dirty   atomic.Bool
	closeCh chan struct{}
	done    chan struct{}

	compactStop chan struct{}
	compactDone chan struct{}
}

// RepairCount reports how many times replay has truncated log.aol at a
// bad frame, across the lifetime of this Trunk. A CRC mismatch and a
// crash-truncated tail both count: either way the log had bytes past
// the last valid frame that could not be trusted.
func (t *Trunk) RepairCount() uint64 { return t.repairs.Load() }

// Open opens (or creates) an append-log trunk rooted at dir, taking an
// exclusive process-level lock on smush.lock for the lifetime of the
// returned Trunk so only one process at a time can own the log and
// snapshot files.
func Open(dir string, opts ...Option) (*Trunk, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, err
	}

	lock := flock.New(filepath.Join(dir, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("appendlog: lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("appendlog: %s is already owned by another process", dir)
	}

	t := &Trunk{
		dir:        dir,
		fsync:      defaultFsyncPolicy(),
		compaction: defaultCompactionPolicy(),
		logger:     zerolog.Nop(),
		ix:         newIndex(),
		lock:       lock,
		closeCh:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	if err := loadSnapshot(dir, t.ix); err != nil {
		lock.Unlock()
		return nil, err
	}
	generation, err := readGeneration(dir)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	t.generation = generation

	if err := t.replay(); err != nil {
		lock.Unlock()
		return nil, err
	}

	log, err := os.OpenFile(filepath.Join(dir, logFile), os.O_CREATE|os.O_RDWR|os.O_APPEND, filePerm)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	t.log = log

	if !t.fsync.Synchronous {
		if t.fsync.Interval <= 0 {
			t.fsync.Interval = 10 * time.Millisecond
		}
		go t.fsyncLoop()
	} else {
		close(t.done) // no background loop to wait on at Close
	}

	if t.compaction.Enabled {
		if t.compaction.CheckInterval <= 0 {
			t.compaction.CheckInterval = time.Second
		}
		t.compactStop = make(chan struct{})
		t.compactDone = make(chan struct{})
		go t.compactionLoop()
	}

	return t, nil
}

// compactionLoop periodically compares log.aol against snapshot.idx and
// triggers Smush once the log has grown past compaction.Ratio times the
// snapshot, per §4.2.1.
func (t *Trunk) compactionLoop() {
	defer close(t.compactDone)
	ticker := time.NewTicker(t.compaction.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.compactStop:
			return
		case <-ticker.C:
			if t.shouldCompact() {
				t.Smush(context.Background())
			}
		}
	}
}

func (t *Trunk) shouldCompact() bool {
	logSize, err := fileSize(filepath.Join(t.dir, logFile))
	if err != nil {
		return false
	}
	snapSize, err := fileSize(filepath.Join(t.dir, snapshotFile))
	if err != nil {
		return false
	}
	// A near-empty snapshot would make any log growth look like a huge
	// ratio; require a minimal log size before considering compaction.
	if logSize < 4096 {
		return false
	}
	return float64(logSize) > t.compaction.Ratio*float64(snapSize+1)
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return info.Size(), nil
}

// replay scans log.aol (written since the last Smush) and applies
// every well-formed frame to the in-memory index. The first bad frame
// it finds, whether a crash-truncated tail or a genuine CRC mismatch
// from mid-log corruption, ends replay and truncates log.aol back to
// the last valid frame boundary. A checksum failure is logged at Warn
// so silent data loss is at least visible, even though both cases are
// repaired the same way.
func (t *Trunk) replay() error {
	path := filepath.Join(t.dir, logFile)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() == 0 {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return fmt.Errorf("appendlog: mmap replay: %w", err)
	}

	offset := 0
	var badFrame error
	for offset < len(m) {
		nut, next, err := parseFrame(m, offset)
		if err != nil {
			badFrame = err
			break
		}
		t.ix.put(nut)
		offset = next
	}
	size := len(m)
	m.Unmap()

	if badFrame != nil && offset < size {
		if errors.Is(badFrame, errChecksum) {
			t.logger.Warn().Str("file", path).Int("offset", offset).Int("size", size).
				Err(badFrame).Msg("appendlog: corrupt frame found during replay, truncating log to last valid record")
		}
		if err := os.Truncate(path, int64(offset)); err != nil {
			return fmt.Errorf("appendlog: truncate corrupt tail: %w", err)
		}
		t.repairs.Add(1)
	}
	return nil
}

func (t *Trunk) fsyncLoop() {
	defer close(t.done)
	ticker := time.NewTicker(t.fsync.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.closeCh:
			t.maybeSync()
			return
		case <-ticker.C:
			t.maybeSync()
		}
	}
}

func (t *Trunk) maybeSync() {
	if t.dirty.CompareAndSwap(true, false) {
		t.mu.Lock()
		t.log.Sync()
		t.mu.Unlock()
	}
}

func (t *Trunk) appendFrame(nut trunk.EncodedNut) error {
	frame := encodeFrame(nut)

	// The index update stays under t.mu with the log write, so a
	// concurrent Smush sees the frame in both or in neither.
	t.mu.Lock()
	_, err := t.log.Write(frame)
	if err == nil {
		t.ix.put(nut)
	}
	t.mu.Unlock()
	if err != nil {
		return err
	}

	if t.fsync.Synchronous {
		t.mu.Lock()
		err = t.log.Sync()
		t.mu.Unlock()
		return err
	}
	t.dirty.Store(true)
	return nil
}

// Save implements trunk.Trunk.
func (t *Trunk) Save(_ context.Context, nut trunk.EncodedNut) error {
	return t.appendFrame(nut)
}

// Load implements trunk.Trunk.
func (t *Trunk) Load(_ context.Context, id string) (trunk.EncodedNut, bool, error) {
	nut, ok := t.ix.get(id)
	return nut, ok, nil
}

// Delete implements trunk.Trunk by dropping id from the in-memory
// index; Tree writes tombstones through Save instead and does not call
// it. Nothing is written to log.aol, so reopening the trunk before the
// next Smush restores id from log.aol or snapshot.idx.
func (t *Trunk) Delete(_ context.Context, id string) error {
	t.ix.delete(id)
	return nil
}

// LoadAll implements trunk.Trunk.
func (t *Trunk) LoadAll(_ context.Context, fn func(trunk.EncodedNut) bool) error {
	t.ix.forEach(fn)
	return nil
}

// GetHistory implements trunk.Trunk by rescanning log.aol for every
// frame written for id since the last Smush, oldest first. Versions
// older than the last compaction are not retrievable: Smush folds all
// history into the single current-value snapshot.idx entry.
func (t *Trunk) GetHistory(_ context.Context, id string, fn func(trunk.EncodedNut) bool) error {
	path := filepath.Join(t.dir, logFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	offset := 0
	for offset < len(data) {
		nut, next, err := parseFrame(data, offset)
		if err != nil {
			break
		}
		offset = next
		if nut.ID != id {
			continue
		}
		if !fn(nut) {
			return nil
		}
	}
	return nil
}

// ExportChanges implements trunk.Trunk, equivalent to LoadAll: the
// index always holds the current value (including tombstones) for
// every id ever written.
func (t *Trunk) ExportChanges(ctx context.Context, fn func(trunk.EncodedNut) bool) error {
	return t.LoadAll(ctx, fn)
}

// Import implements trunk.Trunk.
func (t *Trunk) Import(ctx context.Context, nuts []trunk.EncodedNut) error {
	for _, n := range nuts {
		if err := t.appendFrame(n); err != nil {
			return err
		}
	}
	return nil
}

// Capabilities implements trunk.Trunk.
func (t *Trunk) Capabilities() trunk.Capabilities {
	return trunk.Capabilities{History: true, Durable: true, Async: false, SyncExport: true}
}

// Smush compacts the trunk: the current index is durably written to
// snapshot.idx, the generation counter bumped, and log.aol truncated
// to empty, since every record it held is now captured in the
// snapshot. Safe to call concurrently with Save; writes that race the
// truncate either land in the new empty log.aol or are captured by the
// snapshot, never both and never neither.
func (t *Trunk) Smush(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := atomic.AddUint64(&t.generation, 1)
	if err := writeSnapshot(t.dir, t.ix, next); err != nil {
		return err
	}

	if err := t.log.Truncate(0); err != nil {
		return err
	}
	if _, err := t.log.Seek(0, 0); err != nil {
		return err
	}
	return t.log.Sync()
}

// Close implements trunk.Trunk.
func (t *Trunk) Close() error {
	if !t.fsync.Synchronous {
		close(t.closeCh)
		<-t.done
	}
	if t.compactStop != nil {
		close(t.compactStop)
		<-t.compactDone
	}

	t.mu.Lock()
	err := t.log.Close()
	t.mu.Unlock()

	if unlockErr := t.lock.Unlock(); err == nil {
		err = unlockErr
	}
	return err
}
