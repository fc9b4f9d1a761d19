package consolidate

import (
	"context"
	"errors"

	"github.com/pibrain/pibrain/internal/queue"
)

// runReanalysis enqueues reanalysis jobs for the stalest nodes so their
// blobs are refreshed by newer analyzer revisions.
func (s *Scheduler) runReanalysis(ctx context.Context) Result {
	result := s.begin(JobReanalysis)

	nodes, err := s.opts.Store.OldestAnalyzed(ctx, s.opts.Limits.ReanalysisLimit)
	if err != nil {
		return s.finish(result, err)
	}

	for _, n := range nodes {
		if ctx.Err() != nil {
			return s.finish(result, ctx.Err())
		}

		_, enqErr := s.opts.Queue.Enqueue(ctx, queue.Input{
			Type:        queue.TypeReanalysis,
			SessionPath: n.SessionPath,
			StartID:     n.StartID,
			EndID:       n.EndID,
			Context:     n.Computer,
		})
		if errors.Is(enqErr, queue.ErrDuplicate) {
			result.Details["deduplicated"]++

			continue
		}

		if enqErr != nil {
			// Per-item errors are recorded; the batch continues.
			result.Details["errors"]++

			continue
		}

		result.Items++
	}

	return s.finish(result, nil)
}
