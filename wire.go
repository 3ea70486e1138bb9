package acorn

import (
	"encoding/binary"
	"errors"
	"time"
)

// rawNut wire encoding: length-prefixed fields via binary.PutUvarint
// rather than gob or a reflection-based codec. This is the envelope
// stored below the Roots pipeline (trunk.EncodedNut.Data is the output
// of pipeline.Encode(nut.marshal())), so it has to be something the
// pipeline can treat as opaque bytes.
const wireVersion = 1

var errShortBuffer = errors.New("acorn: wire: buffer too small")

func (n rawNut) size() int {
	size := 1 // version byte
	size += varintSize(uint64(len(n.ID))) + len(n.ID)
	size += varintSize(uint64(len(n.Payload))) + len(n.Payload)
	size += varintSize(uint64(n.Timestamp.UnixNano()))
	size += varintSize(n.Version)
	size++ // flags byte
	if n.ExpiresAt != nil {
		size += varintSize(uint64(n.ExpiresAt.UnixNano()))
	}
	return size
}

const (
	flagDeleted = 1 << 0
	flagExpires = 1 << 1
)

func (n rawNut) marshal() []byte {
	buf := make([]byte, n.size())
	i := 0
	buf[i] = wireVersion
	i++

	i += binary.PutUvarint(buf[i:], uint64(len(n.ID)))
	i += copy(buf[i:], n.ID)

	i += binary.PutUvarint(buf[i:], uint64(len(n.Payload)))
	i += copy(buf[i:], n.Payload)

	i += binary.PutUvarint(buf[i:], uint64(n.Timestamp.UnixNano()))
	i += binary.PutUvarint(buf[i:], n.Version)

	var flags byte
	if n.Deleted {
		flags |= flagDeleted
	}
	if n.ExpiresAt != nil {
		flags |= flagExpires
	}
	buf[i] = flags
	i++

	if n.ExpiresAt != nil {
		i += binary.PutUvarint(buf[i:], uint64(n.ExpiresAt.UnixNano()))
	}

	return buf[:i]
}

func unmarshalRawNut(buf []byte) (rawNut, error) {
	var n rawNut
	if len(buf) < 1 {
		return n, errShortBuffer
	}
	if buf[0] != wireVersion {
		return n, errors.New("acorn: wire: unsupported envelope version")
	}
	i := 1

	idLen, adv, err := uvarint(buf[i:])
	if err != nil {
		return n, err
	}
	i += adv
	if i+int(idLen) > len(buf) {
		return n, errShortBuffer
	}
	n.ID = string(buf[i : i+int(idLen)])
	i += int(idLen)

	payloadLen, adv, err := uvarint(buf[i:])
	if err != nil {
		return n, err
	}
	i += adv
	if i+int(payloadLen) > len(buf) {
		return n, errShortBuffer
	}
	n.Payload = bcopy(buf[i : i+int(payloadLen)])
	i += int(payloadLen)

	tsNano, adv, err := uvarint(buf[i:])
	if err != nil {
		return n, err
	}
	i += adv
	n.Timestamp = time.Unix(0, int64(tsNano)).UTC()

	n.Version, adv, err = uvarint(buf[i:])
	if err != nil {
		return n, err
	}
	i += adv

	if i >= len(buf) {
		return n, errShortBuffer
	}
	flags := buf[i]
	i++
	n.Deleted = flags&flagDeleted != 0

	if flags&flagExpires != 0 {
		expNano, adv, err := uvarint(buf[i:])
		if err != nil {
			return n, err
		}
		i += adv
		t := time.Unix(0, int64(expNano)).UTC()
		n.ExpiresAt = &t
	}

	return n, nil
}

func uvarint(buf []byte) (uint64, int, error) {
	v, n := binary.Uvarint(buf)
	switch {
	case n < 0:
		return 0, n, errors.New("acorn: wire: value larger than 64 bits")
	case n == 0:
		return 0, n, errShortBuffer
	}
	return v, n, nil
}

func varintSize(v uint64) (n int) {
	for {
		n++
		v >>= 7
		if v == 0 {
			break
		}
	}
	return n
}

func bcopy(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
