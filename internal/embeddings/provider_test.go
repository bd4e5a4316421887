package embeddings

import (
	"context"
	"math"
	"testing"
)

func TestHashing_Deterministic(t *testing.T) {
	t.Parallel()
	h := NewHashing(0)
	a, err := h.Embed(context.Background(), "deploy checklist")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	b, err := h.Embed(context.Background(), "deploy checklist")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(a) != 384 || len(a) != h.Dimensions() {
		t.Fatalf("expected default 384 dimensions, got %d", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("expected identical vectors for identical text, differ at %d", i)
		}
	}
}

func TestHashing_DistinctTexts(t *testing.T) {
	t.Parallel()
	h := NewHashing(16)
	a, _ := h.Embed(context.Background(), "alpha")
	b, _ := h.Embed(context.Background(), "beta")
	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("expected different vectors for different texts")
	}
}

func TestHashing_UnitNorm(t *testing.T) {
	t.Parallel()
	h := NewHashing(32)
	vec, err := h.Embed(context.Background(), "normalize me")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if math.Abs(math.Sqrt(norm)-1.0) > 1e-3 {
		t.Fatalf("expected unit-length vector, got norm %v", math.Sqrt(norm))
	}
}
