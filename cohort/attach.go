package cohort

import (
	"context"
	"fmt"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

// AttachEmbeddings resolves the embedding of every record through the cache
// using at most workers concurrent loads. Each embedding must have length dim.
func AttachEmbeddings(ctx context.Context, records []VisitRecord, root string, cache *EmbeddingCache, dim, workers int) error {
	if workers <= 0 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i := range records {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec := &records[i]
			vec, err := cache.Get(filepath.Join(root, rec.EmbeddingFile))
			if err != nil {
				return fmt.Errorf("patient %s visit %s: %w", rec.PatientID, rec.EventDate, err)
			}
			if len(vec) != dim {
				return fmt.Errorf("patient %s file %s: got %d values, want %d: %w", rec.PatientID, rec.EmbeddingFile, len(vec), dim, ErrEmbeddingDim)
			}
			rec.Embedding = vec
			return nil
		})
	}
	return g.Wait()
}
