package appendlog

import (
	"encoding/binary"
	"errors"
	"hash/crc32"

	"github.com/acorndb/acorn/trunk"
)

// Frame format on log.aol:
//
//	[len: u32 LE][crc32 castagnoli: u32 LE][payload: len bytes]
//
// crc32 covers payload only. payload is the entry bytes:
// [id_len: u32 LE][id][data], where data is the pipeline-encoded
// record (trunk.EncodedNut.Data). The id is carried alongside the
// opaque data rather than folded into it because this package rebuilds
// its in-memory id index by replaying log.aol directly; it has no
// access to the Roots pipeline or wire codec that would otherwise be
// needed to recover an id from inside an encrypted/compressed payload.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var (
	errShortFrame    = errors.New("appendlog: short frame")
	errChecksum      = errors.New("appendlog: checksum mismatch")
	errTruncatedTail = errors.New("appendlog: truncated trailing frame")
)

func marshalEntry(nut trunk.EncodedNut) []byte {
	id := nut.ID
	buf := make([]byte, 4+len(id)+len(nut.Data))

	binary.LittleEndian.PutUint32(buf, uint32(len(id)))
	n := 4
	n += copy(buf[n:], id)
	n += copy(buf[n:], nut.Data)
	return buf[:n]
}

func unmarshalEntry(buf []byte) (trunk.EncodedNut, error) {
	if len(buf) < 4 {
		return trunk.EncodedNut{}, errShortFrame
	}
	idLen := binary.LittleEndian.Uint32(buf)
	if 4+int(idLen) > len(buf) {
		return trunk.EncodedNut{}, errShortFrame
	}
	id := string(buf[4 : 4+idLen])
	data := append([]byte(nil), buf[4+idLen:]...)
	return trunk.EncodedNut{ID: id, Data: data}, nil
}

// encodeFrame returns the complete on-disk frame for nut.
func encodeFrame(nut trunk.EncodedNut) []byte {
	entry := marshalEntry(nut)
	sum := crc32.Checksum(entry, castagnoli)

	frame := make([]byte, 8+len(entry))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(entry)))
	binary.LittleEndian.PutUint32(frame[4:8], sum)
	copy(frame[8:], entry)
	return frame
}

// parseFrame reads one frame from buf at offset, returning the decoded
// record and the offset of the next frame. A truncated trailing frame
// (a crash mid-write) returns errTruncatedTail so the caller can stop
// replay cleanly instead of failing it.
func parseFrame(buf []byte, offset int) (nut trunk.EncodedNut, next int, err error) {
	if offset+8 > len(buf) {
		return trunk.EncodedNut{}, offset, errTruncatedTail
	}
	entryLen := binary.LittleEndian.Uint32(buf[offset : offset+4])
	wantSum := binary.LittleEndian.Uint32(buf[offset+4 : offset+8])
	off := offset + 8

	if off+int(entryLen) > len(buf) {
		return trunk.EncodedNut{}, offset, errTruncatedTail
	}

	entry := buf[off : off+int(entryLen)]
	if crc32.Checksum(entry, castagnoli) != wantSum {
		return trunk.EncodedNut{}, offset, errChecksum
	}
	off += int(entryLen)

	nut, err = unmarshalEntry(entry)
	if err != nil {
		return trunk.EncodedNut{}, offset, err
	}
	return nut, off, nil
}
