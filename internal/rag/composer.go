// Package rag assembles retrieved knowledge into prompt context.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/Coo/internal/knowledge"
	"github.com/BTreeMap/Coo/internal/models"
)

// Composer turns questions into rendered context blocks.
type Composer struct {
	searcher knowledge.Searcher
	topK     int
}

// NewComposer creates a Composer. topK <= 0 uses knowledge.DefaultTopK.
func NewComposer(searcher knowledge.Searcher, topK int) *Composer {
	if topK <= 0 {
		topK = knowledge.DefaultTopK
	}
	return &Composer{searcher: searcher, topK: topK}
}

// EnrichQuery prefixes question with the child's age when it is known.
func EnrichQuery(question string, entity *models.ActiveEntity) string {
	if entity == nil || entity.AgeMonths == nil {
		return question
	}
	return fmt.Sprintf("child age %d months: %s", *entity.AgeMonths, question)
}

// ComposeContext searches every category for question, enriched with the
// entity's age, and renders the hits. No hits yields "".
func (c *Composer) ComposeContext(ctx context.Context, question string, entity *models.ActiveEntity, k int) (string, error) {
	hits, err := c.Search(ctx, EnrichQuery(question, entity), k, "")
	if err != nil {
		return "", err
	}
	return Render(hits), nil
}

// ComposeCategoryContext renders hits restricted to category.
func (c *Composer) ComposeCategoryContext(ctx context.Context, question string, category models.Category, k int) (string, error) {
	hits, err := c.Search(ctx, question, k, category)
	if err != nil {
		return "", err
	}
	return Render(hits), nil
}

// Search passes through to the underlying searcher.
func (c *Composer) Search(ctx context.Context, query string, k int, category models.Category) ([]models.RetrievedChunk, error) {
	if k <= 0 {
		k = c.topK
	}
	hits, err := c.searcher.Search(ctx, query, k, category)
	if err != nil {
		slog.Error("Composer Search failed", "error", err, "category", category)
		return nil, err
	}
	slog.Debug("Composer Search succeeded", "hits", len(hits), "category", category)
	return hits, nil
}

// Render formats hits as numbered source blocks in ranked order.
func Render(hits []models.RetrievedChunk) string {
	if len(hits) == 0 {
		return ""
	}
	parts := make([]string, len(hits))
	for i, h := range hits {
		parts[i] = fmt.Sprintf("[Source %d - %s]\n%s\n", i+1, h.Category, h.Content)
	}
	return strings.Join(parts, "\n")
}
