package roots

import (
	"bytes"
	"strings"
	"testing"
)

func TestCompressionRoundtrip(t *testing.T) {
	c := NewCompression(1, 0)
	plaintext := []byte(strings.Repeat("compress me ", 50))

	encoded, err := c.Encode(plaintext)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := c.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(decoded, plaintext) {
		t.Fatalf("roundtrip mismatch")
	}
}

func TestCompressionActuallyShrinksRepetitiveInput(t *testing.T) {
	c := NewCompression(1, 0)
	plaintext := []byte(strings.Repeat("a", 4096))

	encoded, err := c.Encode(plaintext)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(encoded) >= len(plaintext) {
		t.Fatalf("expected compressed size < %d, got %d", len(plaintext), len(encoded))
	}
}

func TestCompressionDecodeRejectsGarbage(t *testing.T) {
	c := NewCompression(1, 0)
	if _, err := c.Decode([]byte("not gzip")); err == nil {
		t.Fatal("expected error decoding non-gzip input")
	}
}

func TestCompressionSequence(t *testing.T) {
	if NewCompression(7, 0).Sequence() != 7 {
		t.Fatal("expected Sequence() to return the configured value")
	}
}
