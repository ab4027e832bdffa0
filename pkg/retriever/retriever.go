package retriever

import (
	"context"
	"fmt"

	"github.com/xhad/bookfriend/internal/models"
	"github.com/xhad/bookfriend/internal/types"
)

// Retriever answers "which passages of this book, visible at this reading
// progress, are closest to the query". The chapter ceiling is applied by the
// store as a hard pre-filter, never as a re-rank.
type Retriever struct {
	embedder types.Embedder
	store    types.ChunkStore
}

func New(embedder types.Embedder, store types.ChunkStore) *Retriever {
	return &Retriever{embedder: embedder, store: store}
}

// Search embeds the query and returns up to topK results in descending
// similarity order. A nil chapterCeiling disables the chapter filter. An
// empty result means nothing was found, not an error.
func (r *Retriever) Search(ctx context.Context, query, bookID string, chapterCeiling *int, topK int) ([]models.SearchResult, error) {
	vector, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	return r.store.SearchChunks(ctx, vector, bookID, chapterCeiling, topK)
}
