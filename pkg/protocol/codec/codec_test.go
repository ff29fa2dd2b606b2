package codec

import (
	"bytes"
	"testing"
)

func TestJSONCodec(t *testing.T) {
	c := JSON()
	in := map[string]any{"a": 1, "b": "x"}
	b, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["a"].(float64) != 1 || out["b"].(string) != "x" {
		t.Fatalf("roundtrip mismatch: %#v", out)
	}
}

func TestCBORDeterministic(t *testing.T) {
	c, err := CBOR()
	if err != nil {
		t.Fatalf("new cbor: %v", err)
	}
	// map key order must not leak into the encoding
	a, _ := c.Marshal(map[string]int{"x": 1, "y": 2, "z": 3})
	b, _ := c.Marshal(map[string]int{"z": 3, "y": 2, "x": 1})
	if !bytes.Equal(a, b) {
		t.Fatalf("encoding is not deterministic")
	}
	var out map[string]int
	if err := c.Unmarshal(a, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["y"] != 2 {
		t.Fatalf("roundtrip mismatch: %#v", out)
	}
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if r.Get("application/cbor") == nil || r.Get("application/json") == nil {
		t.Fatalf("built-in codecs missing")
	}
	if r.Get("application/x-protobuf") != nil {
		t.Fatalf("unexpected codec")
	}
}
