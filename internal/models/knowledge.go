package models

import "time"

// KnowledgeChunk is a unit of trusted parenting content in the knowledge base.
type KnowledgeChunk struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Category  Category  `json:"category"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RetrievedChunk is a search hit. Relevance is cosine similarity: 1 for an
// identical vector, higher is more relevant. Searches return hits in
// descending relevance.
type RetrievedChunk struct {
	Content   string   `json:"content"`
	Category  Category `json:"category"`
	Relevance float64  `json:"relevance"`
	SourceID  string   `json:"source_id"`
}
