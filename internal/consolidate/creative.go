package consolidate

import (
	"context"
	"errors"

	"github.com/pibrain/pibrain/internal/store"
)

// runCreativeAssociation samples a random slice of relevant nodes and links
// each to a few semantic neighbors it is not yet connected to. The sampling
// keeps the graph from only densifying around recent activity.
func (s *Scheduler) runCreativeAssociation(ctx context.Context) Result {
	result := s.begin(JobCreativeAssociation)

	if s.opts.Embedder == nil {
		return s.finish(result, nil)
	}

	nodes, err := s.opts.Store.SampleRelevant(ctx, s.opts.Limits.CreativeMinScore, s.opts.Limits.CreativeSampleSize)
	if err != nil {
		return s.finish(result, err)
	}

	for _, n := range nodes {
		if ctx.Err() != nil {
			return s.finish(result, ctx.Err())
		}

		created, assocErr := s.associate(ctx, n)
		if errors.Is(assocErr, store.ErrUnavailable) {
			// No vector index on this build; nothing to do this run.
			return s.finish(result, nil)
		}

		if assocErr != nil {
			result.Details["errors"]++

			continue
		}

		result.Details["edges"] += created

		if created > 0 {
			result.Items++
		}
	}

	return s.finish(result, nil)
}

// associate creates up to CreativeMaxEdges new RELATES_TO edges for one node.
func (s *Scheduler) associate(ctx context.Context, n store.NodeSummary) (int, error) {
	emb, embErr := s.opts.Store.GetEmbedding(ctx, n.ID, s.opts.Embedder.Model())
	if errors.Is(embErr, store.ErrNotFound) {
		return 0, nil
	}

	if embErr != nil {
		return 0, embErr
	}

	// Over-fetch so that already-connected neighbors still leave candidates.
	matches, searchErr := s.opts.Store.SearchSemantic(ctx, emb.Vector,
		s.opts.Limits.CreativeMaxEdges*2, s.opts.Limits.SimilarityThreshold, []string{n.ID})
	if searchErr != nil {
		return 0, searchErr
	}

	created := 0

	for _, m := range matches {
		if created >= s.opts.Limits.CreativeMaxEdges {
			break
		}

		similarity := m.Similarity

		ok, edgeErr := s.ensureEdge(ctx, store.Edge{
			SourceID:   n.ID,
			TargetID:   m.NodeID,
			Type:       store.EdgeRelatesTo,
			CreatedBy:  store.EdgeByDaemon,
			Confidence: similarity,
			Similarity: &similarity,
		})
		if edgeErr != nil {
			return created, edgeErr
		}

		if ok {
			created++
		}
	}

	return created, nil
}
