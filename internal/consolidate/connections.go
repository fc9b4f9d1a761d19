package consolidate

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"

	"github.com/pibrain/pibrain/internal/store"
)

// nodeIDPattern matches explicit node-id mentions in analyzer text.
var nodeIDPattern = regexp.MustCompile(`\bkn-[0-9a-f]{16}\b`)

// runConnectionDiscovery derives edges for recently touched nodes using
// three methods: semantic similarity, explicit node-id references, and
// shared lessons. A per-node cooldown throttles rediscovery.
func (s *Scheduler) runConnectionDiscovery(ctx context.Context) Result {
	result := s.begin(JobConnectionDiscovery)

	nodes, err := s.opts.Store.RecentlyTouched(ctx, s.opts.Limits.ConnectionLookback, s.opts.Limits.ConnectionLimit)
	if err != nil {
		return s.finish(result, err)
	}

	lessonIndex, indexErr := s.buildLessonIndex(ctx, nodes)
	if indexErr != nil {
		return s.finish(result, indexErr)
	}

	degraded := false

	for _, n := range nodes {
		if ctx.Err() != nil {
			return s.finish(result, ctx.Err())
		}

		if !s.cooldownOpen(n.ID) {
			result.Details["cooldown"]++

			continue
		}

		semantic, semDegraded, semErr := s.discoverSemantic(ctx, n)
		if semErr != nil {
			result.Details["errors"]++
		}

		if semDegraded {
			degraded = true
			result.Details["semantic_degraded"]++
		}

		result.Details["semantic"] += semantic

		refs, refErr := s.discoverReferences(ctx, n)
		if refErr != nil {
			result.Details["errors"]++
		}

		result.Details["references"] += refs

		reinforced, lessonErr := s.discoverLessons(ctx, n, lessonIndex)
		if lessonErr != nil {
			result.Details["errors"]++
		}

		result.Details["reinforced"] += reinforced

		s.markVisited(n.ID)

		// Items is the created-edge total across all three methods.
		result.Items += semantic + refs + reinforced
	}

	if degraded {
		s.log.Warn("semantic connection discovery degraded, vectors unavailable",
			slog.Int("nodes", result.Details["semantic_degraded"]))
	}

	return s.finish(result, nil)
}

// cooldownOpen reports whether the node is past its rediscovery cooldown.
func (s *Scheduler) cooldownOpen(nodeID string) bool {
	s.cooldownMu.Lock()
	defer s.cooldownMu.Unlock()

	last, visited := s.cooldown[nodeID]

	return !visited || s.now().Sub(last) >= s.opts.Limits.ConnectionCooldown
}

func (s *Scheduler) markVisited(nodeID string) {
	s.cooldownMu.Lock()
	defer s.cooldownMu.Unlock()

	s.cooldown[nodeID] = s.now()
}

// discoverSemantic links the node to its nearest embedding neighbors above
// the similarity threshold. Soft-skips when vectors are unavailable; the
// degraded return distinguishes that skip from an ordinary empty result.
func (s *Scheduler) discoverSemantic(ctx context.Context, n store.NodeSummary) (created int, degraded bool, err error) {
	if s.opts.Embedder == nil {
		return 0, true, nil
	}

	emb, embErr := s.opts.Store.GetEmbedding(ctx, n.ID, s.opts.Embedder.Model())
	if errors.Is(embErr, store.ErrNotFound) {
		return 0, false, nil
	}

	if embErr != nil {
		return 0, false, embErr
	}

	// An embedding row without a retrievable vector means the vector side
	// of the store is not serving; treat it like unavailable.
	if len(emb.Vector) == 0 {
		return 0, true, nil
	}

	matches, searchErr := s.opts.Store.SearchSemantic(ctx, emb.Vector,
		s.opts.Limits.ConnectionTopK, s.opts.Limits.SimilarityThreshold, []string{n.ID})
	if errors.Is(searchErr, store.ErrUnavailable) {
		return 0, true, nil
	}

	if searchErr != nil {
		return 0, false, searchErr
	}

	for _, m := range matches {
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
			return created, false, edgeErr
		}

		if ok {
			created++
		}
	}

	return created, false, nil
}

// discoverReferences scans the node's text for explicit node-id mentions.
func (s *Scheduler) discoverReferences(ctx context.Context, n store.NodeSummary) (int, error) {
	node, err := s.opts.Store.GetNode(ctx, n.ID)
	if err != nil {
		return 0, err
	}

	created := 0

	for _, ref := range nodeIDPattern.FindAllString(nodeText(node), -1) {
		if ref == n.ID {
			continue
		}

		exists, existsErr := s.opts.Store.NodeExists(ctx, ref)
		if existsErr != nil {
			return created, existsErr
		}

		if !exists {
			continue
		}

		ok, edgeErr := s.ensureEdge(ctx, store.Edge{
			SourceID:   n.ID,
			TargetID:   ref,
			Type:       store.EdgeReferences,
			CreatedBy:  store.EdgeByDaemon,
			Confidence: 1,
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

// lessonIndex maps a normalized lesson string to the node ids carrying it.
type lessonIndex map[string][]string

// buildLessonIndex loads the candidate nodes' lessons once.
func (s *Scheduler) buildLessonIndex(ctx context.Context, nodes []store.NodeSummary) (lessonIndex, error) {
	index := make(lessonIndex)

	for _, n := range nodes {
		node, err := s.opts.Store.GetNode(ctx, n.ID)
		if err != nil {
			return nil, err
		}

		for _, lesson := range allLessons(node) {
			key := normalizeLesson(lesson)
			if key == "" {
				continue
			}

			index[key] = append(index[key], n.ID)
		}
	}

	return index, nil
}

// discoverLessons links nodes sharing an identical lesson.
func (s *Scheduler) discoverLessons(ctx context.Context, n store.NodeSummary, index lessonIndex) (int, error) {
	node, err := s.opts.Store.GetNode(ctx, n.ID)
	if err != nil {
		return 0, err
	}

	created := 0

	for _, lesson := range allLessons(node) {
		key := normalizeLesson(lesson)

		for _, other := range index[key] {
			if other == n.ID {
				continue
			}

			ok, edgeErr := s.ensureEdge(ctx, store.Edge{
				SourceID:   n.ID,
				TargetID:   other,
				Type:       store.EdgeReinforces,
				CreatedBy:  store.EdgeByDaemon,
				Confidence: 0.8,
			})
			if edgeErr != nil {
				return created, edgeErr
			}

			if ok {
				created++
			}
		}
	}

	return created, nil
}

// ensureEdge inserts the edge unless it already exists in either direction.
// Returns whether a new edge was created.
func (s *Scheduler) ensureEdge(ctx context.Context, e store.Edge) (bool, error) {
	exists, err := s.opts.Store.HasEdge(ctx, e.SourceID, e.TargetID, e.Type)
	if err != nil {
		return false, err
	}

	if !exists {
		reverse, revErr := s.opts.Store.HasEdge(ctx, e.TargetID, e.SourceID, e.Type)
		if revErr != nil {
			return false, revErr
		}

		exists = reverse
	}

	if exists {
		return false, nil
	}

	upsertErr := s.opts.Store.UpsertEdge(ctx, e)
	if upsertErr != nil {
		return false, upsertErr
	}

	return true, nil
}

// nodeText concatenates the free text an analyzer may embed references in.
func nodeText(n *store.Node) string {
	var b strings.Builder

	b.WriteString(n.Content.Summary)

	for _, d := range n.Content.KeyDecisions {
		b.WriteString("\n")
		b.WriteString(d)
	}

	for _, lesson := range allLessons(n) {
		b.WriteString("\n")
		b.WriteString(lesson)
	}

	return b.String()
}

// allLessons flattens the lesson buckets.
func allLessons(n *store.Node) []string {
	var out []string

	out = append(out, n.Lessons.Project...)
	out = append(out, n.Lessons.Task...)
	out = append(out, n.Lessons.User...)
	out = append(out, n.Lessons.Model...)
	out = append(out, n.Lessons.Tool...)
	out = append(out, n.Lessons.Skill...)
	out = append(out, n.Lessons.Subagent...)

	return out
}

func normalizeLesson(lesson string) string {
	return strings.ToLower(strings.TrimSpace(lesson))
}
