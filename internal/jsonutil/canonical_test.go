package jsonutil

import "testing"

func TestCanonicalizeRaw_KeyOrderCollapses(t *testing.T) {
	a, err := CanonicalizeRaw([]byte(`{"b": 1, "a": {"y": 2, "x": 3}}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := CanonicalizeRaw([]byte(`{"a":{"x":3,"y":2},"b":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Fatalf("canonical forms differ: %s vs %s", a, b)
	}
	want := `{"a":{"x":3,"y":2},"b":1}`
	if string(a) != want {
		t.Fatalf("got %s, want %s", a, want)
	}
}

func TestCanonicalizeRaw_WhitespaceCollapses(t *testing.T) {
	a, _ := CanonicalizeRaw([]byte("[1,\n  2,\t3]"))
	b, _ := CanonicalizeRaw([]byte(`[1,2,3]`))
	if string(a) != string(b) {
		t.Fatalf("canonical forms differ: %s vs %s", a, b)
	}
}

func TestCanonicalizeRaw_InvalidJSON(t *testing.T) {
	if _, err := CanonicalizeRaw([]byte(`{"a":`)); err == nil {
		t.Fatal("expected error for truncated JSON")
	}
	if _, err := CanonicalizeRaw([]byte(`{} trailing`)); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestCanonicalMarshal_Struct(t *testing.T) {
	type payload struct {
		B int    `json:"b"`
		A string `json:"a"`
	}
	got, err := CanonicalMarshal(payload{B: 1, A: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"a":"x","b":1}` {
		t.Fatalf("got %s", got)
	}
}

func TestCanonicalMarshal_NumberPreserved(t *testing.T) {
	got, err := CanonicalizeRaw([]byte(`{"n": 1.50}`))
	if err != nil {
		t.Fatal(err)
	}
	// json.Number keeps the source representation; 1.50 and 1.5 stay distinct.
	if string(got) != `{"n":1.50}` {
		t.Fatalf("got %s", got)
	}
}
