// Package trunk defines the storage backend contract Trees use to
// persist and retrieve pipeline-encoded records. Every reference trunk
// (memory, file, append-log, paged) implements this contract
// identically, so a Tree can be pointed at any of them interchangeably.
package trunk

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound reports an absent record. The reference trunks do not
// return it: Load reports a missing id with ok=false, and Delete of a
// missing id succeeds.
var ErrNotFound = errors.New("trunk: not found")

// ErrUnsupported is returned by operations a trunk's Capabilities do
// not advertise.
var ErrUnsupported = errors.New("trunk: unsupported")

// Capabilities describes what a Trunk implementation can do, so a
// caller can probe for support up front instead of calling an
// operation and handling a not-supported error after the fact.
type Capabilities struct {
	// History reports whether GetHistory/History iteration is
	// supported (an append-only backend keeps every version; a
	// last-value-wins backend does not).
	History bool
	// Durable reports whether a successful Save survives process
	// restart.
	Durable bool
	// Async reports whether the backend can perform Save/Load without
	// blocking the calling goroutine on I/O (none of the reference
	// trunks set this; it exists for pluggable backends such as a
	// cloud object store).
	Async bool
	// SyncExport reports whether ExportChanges/Import are supported
	// for replication.
	SyncExport bool
}

// EncodedNut is the complete wrapped record after Roots pipeline
// encoding, plus the pipeline header the Tree needs to decode it again
// even if the pipeline configuration changes later (roots are
// identified by sequence number, not by live config).
type EncodedNut struct {
	ID   string
	Data []byte // pipeline header + encoded payload
}

// Trunk persists and retrieves wrapped records keyed by id.
type Trunk interface {
	// Save writes nut, replacing any existing record for nut.ID.
	Save(ctx context.Context, nut EncodedNut) error

	// Load retrieves the record for id. ok is false if no record
	// exists (ErrNotFound is not returned for this case).
	Load(ctx context.Context, id string) (nut EncodedNut, ok bool, err error)

	// Delete removes the record for id. Backends that only ever
	// append (AppendLogTrunk) may implement this as writing a
	// tombstone frame instead of a physical removal; callers should not
	// rely on Delete freeing space immediately.
	Delete(ctx context.Context, id string) error

	// LoadAll iterates every current record. fn is called until it
	// returns false or the iteration is exhausted.
	LoadAll(ctx context.Context, fn func(EncodedNut) bool) error

	// GetHistory iterates every version ever written for id, oldest
	// first. Returns ErrUnsupported if Capabilities().History is
	// false.
	GetHistory(ctx context.Context, id string, fn func(EncodedNut) bool) error

	// ExportChanges iterates every record (including tombstones).
	// Returns ErrUnsupported if Capabilities().SyncExport is false.
	ExportChanges(ctx context.Context, fn func(EncodedNut) bool) error

	// Import applies a batch of records produced by another trunk's
	// ExportChanges. It performs no conflict resolution of its own —
	// that is the Tree's job; Import simply saves each record.
	Import(ctx context.Context, nuts []EncodedNut) error

	// Capabilities reports what this trunk supports.
	Capabilities() Capabilities

	// Close releases trunk resources (file handles, mmaps, locks).
	io.Closer
}
