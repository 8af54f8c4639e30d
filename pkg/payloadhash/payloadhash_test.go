package payloadhash

import "testing"

func TestSumDeterministic(t *testing.T) {
	v := map[string]any{"b": 2, "a": 1, "c": []string{"x", "y"}}
	h1, c1, err := Sum(v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h2, c2, err := Sum(map[string]any{"c": []string{"x", "y"}, "a": 1, "b": 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected identical hash for equal maps, got %s vs %s", h1, h2)
	}
	if string(c1) != string(c2) {
		t.Fatalf("expected identical canonical bytes")
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(h1))
	}
}

func TestSumBytesMatchesSumString(t *testing.T) {
	if SumBytes([]byte("contract body")) != SumString("contract body") {
		t.Fatalf("expected byte and string sums to match")
	}
}

func TestSumDistinguishesContent(t *testing.T) {
	h1 := SumString("v1 terms")
	h2 := SumString("v2 terms")
	if h1 == h2 {
		t.Fatalf("expected different hashes for different content")
	}
}
