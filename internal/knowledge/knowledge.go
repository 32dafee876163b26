// Package knowledge stores trusted parenting content and answers semantic
// searches over it.
package knowledge

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/BTreeMap/Coo/internal/models"
	"github.com/m-mizutani/goerr/v2"
)

// DefaultTopK is the number of chunks returned when k <= 0.
const DefaultTopK = 3

// Searcher returns the k chunks most relevant to query, best first. An empty
// category searches every category.
type Searcher interface {
	Search(ctx context.Context, query string, k int, category models.Category) ([]models.RetrievedChunk, error)
}

// Index is a Searcher that can also take new content.
type Index interface {
	Searcher
	AddChunk(ctx context.Context, chunk models.KnowledgeChunk) (models.KnowledgeChunk, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

func validateChunk(chunk models.KnowledgeChunk) error {
	if strings.TrimSpace(chunk.Content) == "" {
		return goerr.Wrap(models.ErrValidation, "chunk content is empty")
	}
	if !chunk.Category.IsValid() {
		return goerr.Wrap(models.ErrValidation, "chunk category is invalid", goerr.V("category", chunk.Category))
	}
	return nil
}

// cosineSimilarity returns 0 when either vector is zero or lengths differ.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
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

// rankTopK sorts hits by descending similarity, ties broken by insertion order, and keeps k.
func rankTopK(hits []models.RetrievedChunk, k int) []models.RetrievedChunk {
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Relevance > hits[j].Relevance })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
