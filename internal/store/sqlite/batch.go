package sqlite

import (
	"context"
	"slices"

	"github.com/Masterminds/squirrel"
	"golang.org/x/sync/errgroup"

	"github.com/partokit/chartstore/internal/errors"
)

// batchParallelism bounds the chunk queries in flight for one batch.
const batchParallelism = 4

// ListBySubjectsBatch returns the live records of many subjects at once,
// keyed by subject id. Every requested id has an entry, empty when the
// subject has no records. The ids are queried in chunks of chunkSize
// (clamped to [MinChunkSize, MaxChunkSize]; zero uses the store default).
//
// If any chunk fails the whole batch fails with a CodeQuery error and no
// partial result is returned.
func (r *Repository[T]) ListBySubjectsBatch(ctx context.Context, subjectIDs []string, chunkSize int) (map[string][]T, error) {
	if err := r.InitializeSchema(ctx); err != nil {
		return nil, err
	}

	result := make(map[string][]T, len(subjectIDs))
	unique := make([]string, 0, len(subjectIDs))
	for _, sid := range subjectIDs {
		if _, ok := result[sid]; ok {
			continue
		}
		result[sid] = []T{}
		if sid != "" {
			unique = append(unique, sid)
		}
	}
	if len(unique) == 0 {
		return result, nil
	}

	size := clampChunkSize(chunkSize, r.store.chunkSize)
	chunks := slices.Collect(slices.Chunk(unique, size))
	parts := make([][]T, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchParallelism)
	for i, chunk := range chunks {
		g.Go(func() error {
			q := r.selectLive().Where(squirrel.Eq{"t.subject_id": chunk})
			rows, err := r.query(gctx, r.store.db, q)
			if err != nil {
				return err
			}
			parts[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrapf(err, errors.CodeQuery, "batch query %s (%d subjects, %d chunks)", r.schema.Table, len(unique), len(chunks))
	}

	// Each chunk is already in listing order, so appending preserves it per subject.
	for _, rows := range parts {
		for _, e := range rows {
			sid := e.Meta().Subject()
			result[sid] = append(result[sid], e)
		}
	}

	r.logger.Debug("batch query", "subjects", len(unique), "chunks", len(chunks), "chunk_size", size)
	return result, nil
}
