package relevance

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/duckmesh/querygen/internal/cache"
	"github.com/duckmesh/querygen/internal/catalog"
	"github.com/duckmesh/querygen/internal/nl2sql"
)

type EmbeddingSource interface {
	LoadEmbeddings(ctx context.Context, tenantID string) ([]catalog.TableEmbedding, error)
}

// queryVectorKey groups cached request embeddings under one pseudo-tenant.
const queryVectorKey = "_query"

// VectorIndex answers similarity searches by cosine similarity over the
// tenant's stored table embeddings.
type VectorIndex struct {
	Embedder   nl2sql.Embedder
	Source     EmbeddingSource
	Embeddings cache.Cache[[]catalog.TableEmbedding]
	Vectors    cache.Cache[[]float32]
}

func NewVectorIndex(embedder nl2sql.Embedder, source EmbeddingSource, embeddings cache.Cache[[]catalog.TableEmbedding], vectors cache.Cache[[]float32]) *VectorIndex {
	return &VectorIndex{Embedder: embedder, Source: source, Embeddings: embeddings, Vectors: vectors}
}

func (v *VectorIndex) Embed(ctx context.Context, text string) ([]float32, error) {
	if v.Embedder == nil {
		return nil, fmt.Errorf("embed text: no embedder configured")
	}
	load := func(ctx context.Context) ([]float32, error) {
		return v.Embedder.Embed(ctx, text)
	}
	if v.Vectors == nil {
		return load(ctx)
	}
	return v.Vectors.Get(ctx, cache.Key(queryVectorKey, text), load)
}

func (v *VectorIndex) SearchSimilar(ctx context.Context, tenantID string, vector []float32, limit int) ([]Match, error) {
	embeddings, err := v.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	matches := make([]Match, 0, len(embeddings))
	for _, e := range embeddings {
		if len(e.Vector) != len(vector) {
			continue
		}
		matches = append(matches, Match{
			TargetType: TargetTable,
			Table:      e.TableName,
			Similarity: Cosine(vector, e.Vector),
		})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Table < matches[j].Table
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (v *VectorIndex) load(ctx context.Context, tenantID string) ([]catalog.TableEmbedding, error) {
	if v.Source == nil {
		return nil, fmt.Errorf("load embeddings: no source configured")
	}
	load := func(ctx context.Context) ([]catalog.TableEmbedding, error) {
		return v.Source.LoadEmbeddings(ctx, tenantID)
	}
	if v.Embeddings == nil {
		return load(ctx)
	}
	return v.Embeddings.Get(ctx, cache.Key(tenantID, "embeddings"), load)
}

// Cosine returns 0 when either vector has zero magnitude.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
