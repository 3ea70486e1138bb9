package serializer

import "testing"

type widget struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func TestJSONEncodeDecodeRoundtrip(t *testing.T) {
	s := JSON()
	data, err := s.Encode(widget{ID: "w1", Name: "gadget"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var got widget
	if err := s.Decode(data, &got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != (widget{ID: "w1", Name: "gadget"}) {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
}

func TestJSONEncodeIsStandardCompatible(t *testing.T) {
	s := JSON()
	data, err := s.Encode(widget{ID: "w1", Name: "gadget"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := `{"id":"w1","name":"gadget"}`
	if string(data) != want {
		t.Fatalf("expected %s, got %s", want, data)
	}
}

func TestJSONDecodeRejectsMalformedInput(t *testing.T) {
	s := JSON()
	var got widget
	if err := s.Decode([]byte("not json"), &got); err == nil {
		t.Fatal("expected error decoding malformed input")
	}
}

var _ Serializer = JSON()
