// Package roots implements the pluggable, invertible per-record storage
// pipeline from spec.md §4.3: an ordered list of transforms
// (compression, encryption, ...) applied on write and reversed on read,
// each identified by a stable sequence number rather than position, so
// a record written under one pipeline configuration can still be read
// after the configuration changes (a root is "missing" rather than
// silently misapplied).
package roots

import (
	"encoding/binary"
	"fmt"
)

// Root is one stage of the pipeline. Encode/Decode must be pure
// functions of their input (§4.3: "no hidden state across records") and
// Decode(Encode(x)) == x for all x (P7).
type Root interface {
	Sequence() uint32
	Encode(plaintext []byte) ([]byte, error)
	Decode(ciphertext []byte) ([]byte, error)
}

const headerVersion = 1

// MissingRootError is returned by Pipeline.Decode when the stored
// header names a sequence number the pipeline does not currently hold
// (the pipeline was reconfigured since the record was written).
type MissingRootError struct{ Sequence uint32 }

func (e *MissingRootError) Error() string {
	return fmt.Sprintf("roots: missing root sequence %d", e.Sequence)
}

// CorruptHeaderError is returned when the pipeline header itself cannot
// be parsed.
type CorruptHeaderError struct{ Reason string }

func (e *CorruptHeaderError) Error() string { return "roots: corrupt header: " + e.Reason }

// Pipeline is an ordered, sequence-keyed list of Roots.
type Pipeline struct {
	byOrder []Root
	bySeq   map[uint32]Root
}

// New returns a Pipeline applying roots in ascending Sequence() order on
// encode, and the reverse order on decode. Sequence numbers must be
// unique.
func New(rs ...Root) (*Pipeline, error) {
	byOrder := append([]Root(nil), rs...)
	sortRoots(byOrder)

	bySeq := make(map[uint32]Root, len(byOrder))
	for _, r := range byOrder {
		if _, dup := bySeq[r.Sequence()]; dup {
			return nil, fmt.Errorf("roots: duplicate sequence %d", r.Sequence())
		}
		bySeq[r.Sequence()] = r
	}
	return &Pipeline{byOrder: byOrder, bySeq: bySeq}, nil
}

func sortRoots(rs []Root) {
	for i := 1; i < len(rs); i++ {
		for j := i; j > 0 && rs[j-1].Sequence() > rs[j].Sequence(); j-- {
			rs[j-1], rs[j] = rs[j], rs[j-1]
		}
	}
}

// Encode applies every root in ascending sequence order and prepends
// the pipeline header: [version:u8][n:u8][seq_1:u32]...[seq_n:u32]
// [original_payload_len:u64], so Decode knows exactly which roots (and
// in what order) to reverse even if the live pipeline changes later.
func (p *Pipeline) Encode(payload []byte) ([]byte, error) {
	originalLen := uint64(len(payload))

	data := payload
	seqs := make([]uint32, 0, len(p.byOrder))
	for _, r := range p.byOrder {
		encoded, err := r.Encode(data)
		if err != nil {
			return nil, fmt.Errorf("roots: encode sequence %d: %w", r.Sequence(), err)
		}
		data = encoded
		seqs = append(seqs, r.Sequence())
	}

	header := encodeHeader(seqs, originalLen)
	out := make([]byte, 0, len(header)+len(data))
	out = append(out, header...)
	out = append(out, data...)
	return out, nil
}

// Decode parses the pipeline header and reverses exactly the roots it
// names, in descending order, regardless of what the live Pipeline's
// own order is.
func (p *Pipeline) Decode(blob []byte) ([]byte, error) {
	seqs, _, rest, err := decodeHeader(blob)
	if err != nil {
		return nil, err
	}

	data := rest
	for i := len(seqs) - 1; i >= 0; i-- {
		seq := seqs[i]
		r, ok := p.bySeq[seq]
		if !ok {
			return nil, &MissingRootError{Sequence: seq}
		}
		decoded, err := r.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("roots: decode sequence %d: %w", seq, err)
		}
		data = decoded
	}
	return data, nil
}

func encodeHeader(seqs []uint32, originalLen uint64) []byte {
	n := len(seqs)
	buf := make([]byte, 2+4*n+8)
	buf[0] = headerVersion
	buf[1] = byte(n)
	off := 2
	for _, s := range seqs {
		binary.BigEndian.PutUint32(buf[off:], s)
		off += 4
	}
	binary.BigEndian.PutUint64(buf[off:], originalLen)
	return buf
}

func decodeHeader(blob []byte) (seqs []uint32, originalLen uint64, rest []byte, err error) {
	if len(blob) < 2 {
		return nil, 0, nil, &CorruptHeaderError{Reason: "too short for version/count"}
	}
	version := blob[0]
	if version != headerVersion {
		return nil, 0, nil, &CorruptHeaderError{Reason: fmt.Sprintf("unknown header version %d", version)}
	}
	n := int(blob[1])
	need := 2 + 4*n + 8
	if len(blob) < need {
		return nil, 0, nil, &CorruptHeaderError{Reason: "truncated header"}
	}

	seqs = make([]uint32, n)
	off := 2
	for i := 0; i < n; i++ {
		seqs[i] = binary.BigEndian.Uint32(blob[off:])
		off += 4
	}
	originalLen = binary.BigEndian.Uint64(blob[off:])
	off += 8
	return seqs, originalLen, blob[off:], nil
}
