package segment

import (
	"sort"
	"time"

	"github.com/pibrain/pibrain/internal/transcript"
)

// Detector enumerates segment boundaries over a parsed session.
type Detector struct {
	cfg Config
}

// NewDetector creates a Detector with the given tunables.
func NewDetector(cfg Config) *Detector {
	if cfg.ResumeGapMinutes <= 0 {
		cfg.ResumeGapMinutes = DefaultResumeGapMinutes
	}

	return &Detector{cfg: cfg}
}

// walk returns all session entries in traversal order: ascending timestamp,
// ties broken by lexicographic id. This matches the append order of a
// well-formed transcript and is deterministic for any input.
func walk(s *transcript.Session) []*transcript.Entry {
	entries := make([]*transcript.Entry, len(s.Entries))
	copy(entries, s.Entries)

	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		}

		return entries[i].ID < entries[j].ID
	})

	return entries
}

// Boundaries walks the session root-to-leaf and returns the ordered boundary
// sequence. The first boundary is always the synthetic start at the root.
func (d *Detector) Boundaries(s *transcript.Session) []Boundary {
	entries := walk(s)
	if len(entries) == 0 {
		return nil
	}

	gap := time.Duration(d.cfg.ResumeGapMinutes) * time.Minute
	boundaries := []Boundary{{Kind: BoundaryStart, EntryID: entries[0].ID, Index: 0}}

	var lastMessageTS time.Time

	if entries[0].IsMessage() {
		lastMessageTS = entries[0].Timestamp
	}

	for i := 1; i < len(entries); i++ {
		e := entries[i]
		prev := entries[i-1]

		if kind, found := d.classify(s, e, prev, lastMessageTS, gap); found {
			boundaries = append(boundaries, Boundary{Kind: kind, EntryID: e.ID, Index: i})
		}

		if e.IsMessage() {
			lastMessageTS = e.Timestamp
		}
	}

	return boundaries
}

// classify applies the boundary rules to one walk step. Rule precedence:
// entry-kind boundaries first, then resume, then tree jump.
func (d *Detector) classify(
	s *transcript.Session,
	e, prev *transcript.Entry,
	lastMessageTS time.Time,
	gap time.Duration,
) (BoundaryKind, bool) {
	switch e.Kind {
	case transcript.KindBranchSummary:
		return BoundaryBranchSummary, true
	case transcript.KindCompaction:
		return BoundaryCompaction, true
	case transcript.KindSessionInfo:
		if !e.Header && e.ParentSessionID != "" && e.ParentSessionID != s.ID() {
			return BoundaryFork, true
		}

		return "", false
	}

	if e.IsMessage() && !lastMessageTS.IsZero() && e.Timestamp.Sub(lastMessageTS) >= gap {
		return BoundaryResume, true
	}

	if isHandoff(e, prev) {
		return BoundaryHandoff, true
	}

	if e.IsMessage() && e.ParentID != prev.ID {
		return BoundaryTreeJump, true
	}

	return "", false
}

// isHandoff is the reserved handoff heuristic.
// TODO: the upstream handoff detection rule is not yet specified; this always
// reports false until one is defined.
func isHandoff(_, _ *transcript.Entry) bool {
	return false
}

// Segments returns the maximal ranges between successive boundaries, in
// root-to-leaf order. Each boundary entry belongs to the segment it opens;
// adjacent segments share no entries.
func (d *Detector) Segments(s *transcript.Session) []Segment {
	entries := walk(s)
	boundaries := d.Boundaries(s)

	if len(boundaries) == 0 {
		return nil
	}

	segments := make([]Segment, 0, len(boundaries))

	for bi, b := range boundaries {
		end := len(entries)
		if bi+1 < len(boundaries) {
			end = boundaries[bi+1].Index
		}

		segments = append(segments, Segment{
			SessionPath: s.Path,
			StartID:     entries[b.Index].ID,
			EndID:       entries[end-1].ID,
			EntryCount:  end - b.Index,
			Kind:        b.Kind,
		})
	}

	return segments
}
