package knowledge

import (
	"context"
	"log/slog"
	"os"

	"github.com/BTreeMap/Coo/internal/models"
	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"
)

// SeedChunk is one entry of a seed file.
type SeedChunk struct {
	Content  string          `yaml:"content"`
	Category models.Category `yaml:"category"`
	Source   string          `yaml:"source"`
}

// LoadSeedFile reads a YAML list of chunks and adds them to idx.
// It returns the number of chunks added.
func LoadSeedFile(ctx context.Context, idx Index, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to read seed file", goerr.V("path", path))
	}
	var seeds []SeedChunk
	if err := yaml.Unmarshal(data, &seeds); err != nil {
		return 0, goerr.Wrap(err, "invalid seed yaml", goerr.V("path", path))
	}
	added := 0
	for i, s := range seeds {
		_, err := idx.AddChunk(ctx, models.KnowledgeChunk{Content: s.Content, Category: s.Category, Source: s.Source})
		if err != nil {
			return added, goerr.Wrap(err, "failed to add seed chunk", goerr.V("index", i))
		}
		added++
	}
	slog.Info("Knowledge seed loaded", "path", path, "chunks", added)
	return added, nil
}
