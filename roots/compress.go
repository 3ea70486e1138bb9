package roots

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Compression is the reference compression Root, backed by
// klauspost/compress/gzip as a faster drop-in for compress/gzip.
type Compression struct {
	sequence uint32
	level    int
}

// NewCompression returns a gzip-backed compression Root at the given
// pipeline sequence number. level is a gzip compression level
// (gzip.DefaultCompression if zero).
func NewCompression(sequence uint32, level int) *Compression {
	if level == 0 {
		level = gzip.DefaultCompression
	}
	return &Compression{sequence: sequence, level: level}
}

func (c *Compression) Sequence() uint32 { return c.sequence }

func (c *Compression) Encode(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("roots: compression: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("roots: compression: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("roots: compression: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Compression) Decode(ciphertext []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(ciphertext))
	if err != nil {
		return nil, fmt.Errorf("roots: decompression: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("roots: decompression: %w", err)
	}
	return out, nil
}
