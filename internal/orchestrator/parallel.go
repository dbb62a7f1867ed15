package orchestrator

import (
	"context"

	"golang.org/x/sync/errgroup"

	"warden/internal/action"
	"warden/internal/logging"
)

// Chunk is one independent, pre-partitioned unit of work.
type Chunk struct {
	Name string
	Plan *action.Plan
}

// ChunkResult pairs a chunk with its run outcome.
type ChunkResult struct {
	Name   string     `json:"name"`
	Result *RunResult `json:"result"`
}

// RunChunks fans independent chunks out over a bounded worker pool and
// blocks until every one resolves. Chunk outcomes are independent; one
// chunk failing does not cancel its siblings.
func (o *Orchestrator) RunChunks(ctx context.Context, chunks []Chunk) []ChunkResult {
	results := make([]ChunkResult, len(chunks))
	if len(chunks) == 0 {
		return results
	}

	limit := o.maxParallel
	if limit <= 0 {
		limit = 4
	}
	if len(chunks) < limit {
		limit = len(chunks)
	}

	logging.Orchestrator("running %d chunks on %d workers", len(chunks), limit)
	g := new(errgroup.Group)
	g.SetLimit(limit)
	for i := range chunks {
		i := i
		g.Go(func() error {
			results[i] = ChunkResult{Name: chunks[i].Name, Result: o.Run(ctx, chunks[i].Plan)}
			return nil
		})
	}
	// Workers never return errors; failures live in each chunk result.
	_ = g.Wait()
	return results
}
