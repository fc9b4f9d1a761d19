package consolidate

import (
	"context"
	"math"
	"time"

	"github.com/pibrain/pibrain/internal/store"
)

// runDecayArchive recomputes relevance for every non-archived node and
// archives those that fall below the threshold. Archival never deletes, and
// decay never unarchives.
func (s *Scheduler) runDecayArchive(ctx context.Context) Result {
	result := s.begin(JobDecayArchive)

	nodes, err := s.opts.Store.NonArchived(ctx)
	if err != nil {
		return s.finish(result, err)
	}

	now := s.now()

	for _, n := range nodes {
		if ctx.Err() != nil {
			return s.finish(result, ctx.Err())
		}

		edges, edgeErr := s.opts.Store.EdgeCount(ctx, n.ID)
		if edgeErr != nil {
			result.Details["errors"]++

			continue
		}

		score := relevanceScore(n, edges, s.opts.Limits.DecayConstant, now)

		setErr := s.opts.Store.SetRelevance(ctx, n.ID, score)
		if setErr != nil {
			result.Details["errors"]++

			continue
		}

		result.Items++

		if score < s.opts.Limits.ArchiveThreshold {
			archErr := s.opts.Store.Archive(ctx, n.ID)
			if archErr != nil {
				result.Details["errors"]++

				continue
			}

			result.Details["archived"]++
		}
	}

	return s.finish(result, nil)
}

// relevanceScore is the decay formula:
//
//	r = exp(−k·age_days) · (0.3 + 0.3·access_recency) · density(edges)
//	    · (0.5 + importance) · (0.7 + 0.3·confidence)
//
// clamped to [0, 1].
func relevanceScore(n store.NodeSummary, edges int, k float64, now time.Time) float64 {
	ageDays := now.Sub(n.ObservedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}

	r := math.Exp(-k*ageDays) *
		(0.3 + 0.3*accessRecency(accessAgeDays(n, now))) *
		edgeDensity(edges) *
		(0.5 + n.Importance) *
		(0.7 + 0.3*nodeConfidence(n))

	if r < 0 {
		return 0
	}

	if r > 1 {
		return 1
	}

	return r
}

// accessAgeDays is the age of the last access, falling back to the node's
// observation time when it was never accessed.
func accessAgeDays(n store.NodeSummary, now time.Time) float64 {
	ref := n.LastAccessedAt
	if ref.IsZero() {
		ref = n.ObservedAt
	}

	days := now.Sub(ref).Hours() / 24
	if days < 0 {
		return 0
	}

	return days
}

// accessRecency is 1 at day zero, declines 0.05/day through day 7, then
// follows a slow logarithmic tail.
func accessRecency(days float64) float64 {
	switch {
	case days <= 0:
		return 1
	case days <= 7:
		return 1 - 0.05*days
	default:
		tail := 0.65 - 0.2*math.Log10(days-6)
		if tail < 0 {
			return 0
		}

		return tail
	}
}

// edgeDensity rewards connectedness, saturating at five edges.
func edgeDensity(edges int) float64 {
	if edges > 5 {
		edges = 5
	}

	return 0.5 + 0.1*float64(edges)
}

// nodeConfidence proxies analyzer confidence with the reported importance;
// nodes without one sit at the midpoint.
func nodeConfidence(n store.NodeSummary) float64 {
	if n.Importance > 0 {
		return n.Importance
	}

	return 0.5
}
