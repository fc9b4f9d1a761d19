package consolidate

import (
	"context"

	"github.com/pibrain/pibrain/internal/store"
)

// runPatternAggregation folds recent nodes' observations into the insights,
// failure-pattern, and model-stat aggregates.
func (s *Scheduler) runPatternAggregation(ctx context.Context) Result {
	result := s.begin(JobPatternAggregation)

	nodes, err := s.opts.Store.RecentlyTouched(ctx, s.opts.Limits.ConnectionLookback, s.opts.Limits.ConnectionLimit)
	if err != nil {
		return s.finish(result, err)
	}

	for _, summary := range nodes {
		if ctx.Err() != nil {
			return s.finish(result, ctx.Err())
		}

		node, getErr := s.opts.Store.GetNode(ctx, summary.ID)
		if getErr != nil {
			result.Details["errors"]++

			continue
		}

		aggErr := s.aggregateNode(ctx, node, result.Details)
		if aggErr != nil {
			result.Details["errors"]++

			continue
		}

		result.Items++
	}

	return s.finish(result, nil)
}

// aggregateNode records one node's observations across the three aggregates.
func (s *Scheduler) aggregateNode(ctx context.Context, n *store.Node, details map[string]int) error {
	model := firstModel(n)

	for _, quirk := range n.Observations.ModelQuirks {
		err := s.opts.Store.UpsertInsight(ctx, store.Insight{
			Type:           store.InsightModelQuirk,
			Model:          model,
			Pattern:        quirk,
			MeanConfidence: confidenceOf(n),
			Severity:       "info",
		})
		if err != nil {
			return err
		}

		details["quirks"]++
	}

	for _, win := range n.Observations.PromptingWins {
		err := s.opts.Store.UpsertInsight(ctx, store.Insight{
			Type:           store.InsightPromptWin,
			Model:          model,
			Pattern:        win,
			MeanConfidence: confidenceOf(n),
		})
		if err != nil {
			return err
		}

		details["prompt_wins"]++
	}

	for _, toolErr := range n.Observations.ToolUseErrors {
		err := s.opts.Store.RecordFailurePattern(ctx, toolErr, firstTool(n))
		if err != nil {
			return err
		}

		insErr := s.opts.Store.UpsertInsight(ctx, store.Insight{
			Type:           store.InsightToolFailure,
			Tool:           firstTool(n),
			Pattern:        toolErr,
			MeanConfidence: confidenceOf(n),
			Severity:       "warn",
		})
		if insErr != nil {
			return insErr
		}

		details["tool_failures"]++
	}

	for _, m := range n.Observations.ModelsUsed {
		err := s.opts.Store.AddModelStat(ctx, m,
			int64(n.Metadata.Tokens), n.Metadata.CostUSD, len(n.Observations.ModelQuirks))
		if err != nil {
			return err
		}

		details["model_stats"]++
	}

	return nil
}

func firstModel(n *store.Node) string {
	if len(n.Observations.ModelsUsed) > 0 {
		return n.Observations.ModelsUsed[0]
	}

	return ""
}

func firstTool(n *store.Node) string {
	if len(n.Content.ToolsUsed) > 0 {
		return n.Content.ToolsUsed[0]
	}

	return ""
}

// confidenceOf maps a node's importance into an insight confidence,
// defaulting to the midpoint when the analyzer reported none.
func confidenceOf(n *store.Node) float64 {
	if n.Relevance.Importance > 0 {
		return n.Relevance.Importance
	}

	return 0.5
}
