package knowledge

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/Coo/internal/genai"
	"github.com/BTreeMap/Coo/internal/models"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteIndex persists chunks in SQLite. When the sqlite-vec extension is
// loaded, ranking runs in SQL with vec_distance_cosine; otherwise vectors are
// scored in Go.
type SQLiteIndex struct {
	db       *sql.DB
	embedder genai.Embedder
	vec      bool
}

var _ Index = (*SQLiteIndex)(nil)

// NewSQLiteIndex opens (creating if needed) the knowledge database at path.
func NewSQLiteIndex(path string, embedder genai.Embedder) (*SQLiteIndex, error) {
	if path == "" {
		return nil, goerr.New("knowledge database path not set")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, goerr.Wrap(err, "failed to create knowledge directory", goerr.V("path", path))
		}
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open knowledge database", goerr.V("path", path))
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		db.Close()
		return nil, goerr.Wrap(err, "failed to run knowledge migrations")
	}

	idx := &SQLiteIndex{db: db, embedder: embedder}
	var version string
	if err := db.QueryRow(`SELECT vec_version()`).Scan(&version); err == nil {
		idx.vec = true
		slog.Info("Knowledge index using sqlite-vec", "version", version, "path", path)
	} else {
		slog.Info("Knowledge index using in-process cosine ranking", "path", path)
	}
	return idx, nil
}

func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

func (s *SQLiteIndex) AddChunk(ctx context.Context, chunk models.KnowledgeChunk) (models.KnowledgeChunk, error) {
	if err := validateChunk(chunk); err != nil {
		return models.KnowledgeChunk{}, err
	}
	v, err := s.embedder.Embed(ctx, chunk.Content)
	if err != nil {
		return models.KnowledgeChunk{}, models.BackendError("embed chunk", err)
	}
	blob, err := serializeVector(v)
	if err != nil {
		return models.KnowledgeChunk{}, goerr.Wrap(err, "failed to serialize embedding")
	}
	if chunk.ID == "" {
		chunk.ID = uuid.NewString()
	}
	if chunk.CreatedAt.IsZero() {
		chunk.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO knowledge_chunks (id, content, category, source, embedding, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		chunk.ID, chunk.Content, string(chunk.Category), chunk.Source, blob, chunk.CreatedAt)
	if err != nil {
		slog.Error("SQLiteIndex AddChunk failed", "error", err, "id", chunk.ID)
		return models.KnowledgeChunk{}, models.StorageError("insert knowledge chunk", err)
	}
	slog.Debug("SQLiteIndex AddChunk succeeded", "id", chunk.ID, "category", chunk.Category, "dims", len(v))
	return chunk, nil
}

func (s *SQLiteIndex) Search(ctx context.Context, query string, k int, category models.Category) ([]models.RetrievedChunk, error) {
	if k <= 0 {
		k = DefaultTopK
	}
	qv, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, models.BackendError("embed query", err)
	}
	if s.vec {
		return s.searchVec(ctx, qv, k, category)
	}
	return s.searchScan(ctx, qv, k, category)
}

func (s *SQLiteIndex) searchVec(ctx context.Context, qv []float32, k int, category models.Category) ([]models.RetrievedChunk, error) {
	blob, err := serializeVector(qv)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to serialize query embedding")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, category, vec_distance_cosine(embedding, ?) AS distance
		 FROM knowledge_chunks
		 WHERE (? = '' OR category = ?)
		 ORDER BY distance ASC, created_at ASC
		 LIMIT ?`, blob, string(category), string(category), k)
	if err != nil {
		slog.Error("SQLiteIndex Search failed", "error", err)
		return nil, models.BackendError("knowledge search", err)
	}
	defer rows.Close()

	var hits []models.RetrievedChunk
	for rows.Next() {
		var hit models.RetrievedChunk
		var cat string
		var distance float64
		if err := rows.Scan(&hit.SourceID, &hit.Content, &cat, &distance); err != nil {
			return nil, models.BackendError("scan knowledge row", err)
		}
		hit.Category = models.Category(cat)
		hit.Relevance = 1 - distance
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, models.BackendError("iterate knowledge rows", err)
	}
	return hits, nil
}

func (s *SQLiteIndex) searchScan(ctx context.Context, qv []float32, k int, category models.Category) ([]models.RetrievedChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, category, embedding FROM knowledge_chunks
		 WHERE (? = '' OR category = ?) ORDER BY created_at ASC`, string(category), string(category))
	if err != nil {
		slog.Error("SQLiteIndex Search failed", "error", err)
		return nil, models.BackendError("knowledge search", err)
	}
	defer rows.Close()

	var hits []models.RetrievedChunk
	for rows.Next() {
		var hit models.RetrievedChunk
		var cat string
		var blob []byte
		if err := rows.Scan(&hit.SourceID, &hit.Content, &cat, &blob); err != nil {
			return nil, models.BackendError("scan knowledge row", err)
		}
		v, err := decodeVector(blob)
		if err != nil {
			slog.Warn("SQLiteIndex skipping chunk with corrupt embedding", "id", hit.SourceID, "error", err)
			continue
		}
		hit.Category = models.Category(cat)
		hit.Relevance = cosineSimilarity(qv, v)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, models.BackendError("iterate knowledge rows", err)
	}
	return rankTopK(hits, k), nil
}

func (s *SQLiteIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knowledge_chunks`).Scan(&n); err != nil {
		return 0, models.StorageError("count knowledge chunks", err)
	}
	return n, nil
}

func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(blob))
	}
	v := make([]float32, len(blob)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return v, nil
}
