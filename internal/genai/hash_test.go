package genai

import (
	"context"
	"math"
	"testing"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestHashEmbedderDeterministic(t *testing.T) {
	h := NewHashEmbedder(0)
	a, _ := h.Embed(context.Background(), "Fever in toddlers")
	b, _ := h.Embed(context.Background(), "fever in TODDLERS!")
	if len(a) != DefaultHashDimensions {
		t.Fatalf("expected %d dims, got %d", DefaultHashDimensions, len(a))
	}
	if got := cosine(a, b); math.Abs(got-1) > 1e-6 {
		t.Errorf("expected identical vectors, cosine=%v", got)
	}
}

func TestHashEmbedderSimilarity(t *testing.T) {
	h := NewHashEmbedder(512)
	q, _ := h.Embed(context.Background(), "my baby has a fever")
	near, _ := h.Embed(context.Background(), "fever in a baby is common")
	far, _ := h.Embed(context.Background(), "tummy time builds neck strength")
	if cosine(q, near) <= cosine(q, far) {
		t.Errorf("expected shared words to score higher: near=%v far=%v", cosine(q, near), cosine(q, far))
	}
}

func TestHashEmbedderEmptyText(t *testing.T) {
	vec, err := NewHashEmbedder(8).Embed(context.Background(), "  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, v := range vec {
		if v != 0 {
			t.Fatalf("expected zero vector, got %v", vec)
		}
	}
}
