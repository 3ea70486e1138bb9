package acorn

import (
	"bytes"
	"crypto/sha256"
)

// Decision is the outcome of comparing a local and an incoming record
// during conflict resolution (§4.1.1).
type Decision int

const (
	// LocalWins means the local record is kept unchanged.
	LocalWins Decision = iota
	// IncomingWins means the incoming record should replace local,
	// written with its own original timestamp/version rather than a
	// freshly minted one.
	IncomingWins
	// NoOp means the two records are identical; nothing changes.
	NoOp
)

func (d Decision) String() string {
	switch d {
	case LocalWins:
		return "local_wins"
	case IncomingWins:
		return "incoming_wins"
	case NoOp:
		return "no_op"
	default:
		return "unknown"
	}
}

// squabble implements the deterministic Last-Writer-Wins tiebreak from
// §4.1.1:
//  1. Higher timestamp wins.
//  2. Equal timestamps: higher version wins.
//  3. Still equal: higher lexicographic hash of payload bytes wins.
//  4. Identical payloads: no-op.
//
// local may be the zero value with exists=false when no local record is
// present, in which case incoming always wins.
func squabble(localExists bool, localTimestampUnixNano int64, localVersion uint64, localPayload []byte,
	incomingTimestampUnixNano int64, incomingVersion uint64, incomingPayload []byte) Decision {

	if !localExists {
		return IncomingWins
	}

	switch {
	case incomingTimestampUnixNano > localTimestampUnixNano:
		return IncomingWins
	case incomingTimestampUnixNano < localTimestampUnixNano:
		return LocalWins
	}

	switch {
	case incomingVersion > localVersion:
		return IncomingWins
	case incomingVersion < localVersion:
		return LocalWins
	}

	if bytes.Equal(localPayload, incomingPayload) {
		return NoOp
	}

	localHash := sha256.Sum256(localPayload)
	incomingHash := sha256.Sum256(incomingPayload)
	if bytes.Compare(incomingHash[:], localHash[:]) > 0 {
		return IncomingWins
	}
	return LocalWins
}
