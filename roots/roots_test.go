package roots

import (
	"errors"
	"testing"
)

// stubRoot prepends its prefix byte on Encode and strips it on Decode,
// so the order roots were applied in is visible in the encoded bytes.
type stubRoot struct {
	seq    uint32
	prefix byte
}

func (r *stubRoot) Sequence() uint32 { return r.seq }
func (r *stubRoot) Encode(in []byte) ([]byte, error) {
	return append([]byte{r.prefix}, in...), nil
}
func (r *stubRoot) Decode(in []byte) ([]byte, error) {
	if len(in) == 0 || in[0] != r.prefix {
		return nil, &AuthenticationFailedError{Err: errMismatch}
	}
	return in[1:], nil
}

var errMismatch = errors.New("prefix mismatch")

func TestPipelineEncodeDecodeRoundtrip(t *testing.T) {
	p, err := New(&stubRoot{seq: 1, prefix: 'a'}, &stubRoot{seq: 2, prefix: 'b'})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	encoded, err := p.Encode([]byte("hello"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := p.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(decoded) != "hello" {
		t.Fatalf("expected hello, got %q", decoded)
	}
}

func TestPipelineAppliesInAscendingOrder(t *testing.T) {
	p, err := New(&stubRoot{seq: 5, prefix: 'z'}, &stubRoot{seq: 1, prefix: 'a'})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	encoded, err := p.Encode([]byte("x"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// seq 1 ('a') is applied first and seq 5 ('z') last, so the
	// outermost prefix of the body after the header is 'z'.
	if body := string(encoded[len(encoded)-3:]); body != "zax" {
		t.Fatalf("expected body %q after the header, got %q", "zax", body)
	}
	decoded, err := p.Decode(encoded)
	if err != nil || string(decoded) != "x" {
		t.Fatalf("decoded=%q err=%v", decoded, err)
	}
}

func TestPipelineRejectsDuplicateSequence(t *testing.T) {
	_, err := New(&stubRoot{seq: 1, prefix: 'a'}, &stubRoot{seq: 1, prefix: 'b'})
	if err == nil {
		t.Fatal("expected error on duplicate sequence")
	}
}

func TestDecodeMissingRootError(t *testing.T) {
	p, err := New(&stubRoot{seq: 1, prefix: 'a'})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	encoded, err := p.Encode([]byte("x"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	reconfigured, err := New(&stubRoot{seq: 2, prefix: 'b'})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = reconfigured.Decode(encoded)
	var missing *MissingRootError
	if !asMissingRoot(err, &missing) {
		t.Fatalf("expected *MissingRootError, got %v", err)
	}
	if missing.Sequence != 1 {
		t.Fatalf("expected sequence 1, got %d", missing.Sequence)
	}
}

func asMissingRoot(err error, target **MissingRootError) bool {
	m, ok := err.(*MissingRootError)
	if !ok {
		return false
	}
	*target = m
	return true
}

func TestDecodeCorruptHeaderTooShort(t *testing.T) {
	p, err := New(&stubRoot{seq: 1, prefix: 'a'})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Decode([]byte{1}); err == nil {
		t.Fatal("expected error decoding a too-short header")
	}
}

func TestDecodeCorruptHeaderUnknownVersion(t *testing.T) {
	p, err := New(&stubRoot{seq: 1, prefix: 'a'})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Decode([]byte{99, 0, 0, 0, 0, 0, 0, 0, 0, 0}); err == nil {
		t.Fatal("expected error decoding an unknown header version")
	}
}

func TestEmptyPipelineIsIdentity(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	encoded, err := p.Encode([]byte("plain"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := p.Decode(encoded)
	if err != nil || string(decoded) != "plain" {
		t.Fatalf("decoded=%q err=%v", decoded, err)
	}
}
