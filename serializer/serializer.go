// Package serializer converts opaque payload bytes to/from the
// self-describing textual format AcornDB uses by default, pluggable per
// §2 ("Serializer: opaque bytes<->record payload. Default: a
// self-describing textual format. Pluggable.").
package serializer

// Serializer encodes and decodes a payload value. Implementations must
// be safe for concurrent use; Tree calls Encode/Decode without
// additional locking.
type Serializer interface {
	Encode(value any) ([]byte, error)
	Decode(data []byte, target any) error
}
