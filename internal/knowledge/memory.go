package knowledge

import (
	"context"
	"sync"
	"time"

	"github.com/BTreeMap/Coo/internal/genai"
	"github.com/BTreeMap/Coo/internal/models"
	"github.com/google/uuid"
)

type memoryEntry struct {
	chunk  models.KnowledgeChunk
	vector []float32
}

// MemoryIndex keeps chunks and their embeddings in process memory.
type MemoryIndex struct {
	embedder genai.Embedder
	mu       sync.RWMutex
	entries  []memoryEntry
}

var _ Index = (*MemoryIndex)(nil)

func NewMemoryIndex(embedder genai.Embedder) *MemoryIndex {
	return &MemoryIndex{embedder: embedder}
}

func (m *MemoryIndex) AddChunk(ctx context.Context, chunk models.KnowledgeChunk) (models.KnowledgeChunk, error) {
	if err := validateChunk(chunk); err != nil {
		return models.KnowledgeChunk{}, err
	}
	vec, err := m.embedder.Embed(ctx, chunk.Content)
	if err != nil {
		return models.KnowledgeChunk{}, models.BackendError("embed chunk", err)
	}
	if chunk.ID == "" {
		chunk.ID = uuid.NewString()
	}
	if chunk.CreatedAt.IsZero() {
		chunk.CreatedAt = time.Now()
	}
	m.mu.Lock()
	m.entries = append(m.entries, memoryEntry{chunk: chunk, vector: vec})
	m.mu.Unlock()
	return chunk, nil
}

func (m *MemoryIndex) Search(ctx context.Context, query string, k int, category models.Category) ([]models.RetrievedChunk, error) {
	if k <= 0 {
		k = DefaultTopK
	}
	qv, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, models.BackendError("embed query", err)
	}

	m.mu.RLock()
	hits := make([]models.RetrievedChunk, 0, len(m.entries))
	for _, e := range m.entries {
		if category != "" && e.chunk.Category != category {
			continue
		}
		hits = append(hits, models.RetrievedChunk{
			Content:   e.chunk.Content,
			Category:  e.chunk.Category,
			Relevance: cosineSimilarity(qv, e.vector),
			SourceID:  e.chunk.ID,
		})
	}
	m.mu.RUnlock()
	return rankTopK(hits, k), nil
}

func (m *MemoryIndex) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

func (m *MemoryIndex) Close() error { return nil }
