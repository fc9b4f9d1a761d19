// Package segment detects analysis-unit boundaries in parsed transcripts and
// derives the deterministic node identity for each segment.
package segment

import "errors"

// BoundaryKind is the closed set of reasons a new segment begins.
type BoundaryKind string

const (
	// BoundaryStart is the synthetic boundary at the root of the walk.
	BoundaryStart BoundaryKind = "start"
	// BoundaryBranchSummary opens at an analyzer-written branch compaction.
	BoundaryBranchSummary BoundaryKind = "branch_summary"
	// BoundaryTreeJump opens when an entry's parent is not the prior walk position.
	BoundaryTreeJump BoundaryKind = "tree_jump"
	// BoundaryCompaction opens at a context compaction entry.
	BoundaryCompaction BoundaryKind = "compaction"
	// BoundaryFork opens at a session_info entry declaring a foreign parent session.
	BoundaryFork BoundaryKind = "fork"
	// BoundaryResume opens after an idle gap between consecutive messages.
	BoundaryResume BoundaryKind = "resume"
	// BoundaryHandoff is reserved; detection is not implemented.
	BoundaryHandoff BoundaryKind = "handoff"
)

// DefaultResumeGapMinutes is the idle gap that opens a resume boundary.
const DefaultResumeGapMinutes = 10

// ErrInvalidResumeGap indicates a non-positive resume gap configuration.
var ErrInvalidResumeGap = errors.New("segment: resumeGapMinutes must be positive")

// Config holds boundary detection tunables.
type Config struct {
	// ResumeGapMinutes is the quiescence threshold for resume boundaries.
	ResumeGapMinutes int `mapstructure:"resumeGapMinutes"`
}

// DefaultConfig returns the default detection tunables.
func DefaultConfig() Config {
	return Config{ResumeGapMinutes: DefaultResumeGapMinutes}
}

// Validate checks Config invariants.
func (c Config) Validate() error {
	if c.ResumeGapMinutes <= 0 {
		return ErrInvalidResumeGap
	}

	return nil
}

// Boundary marks the walk position where a new segment begins.
type Boundary struct {
	Kind BoundaryKind
	// EntryID is the entry the boundary opens at.
	EntryID string
	// Index is the position of EntryID in the root-to-leaf walk.
	Index int
}

// Segment is a contiguous range of the walk between two boundaries.
// Segments are the unit of analysis.
type Segment struct {
	// SessionPath is the transcript file the segment belongs to.
	SessionPath string
	// StartID and EndID are the first and last entry ids in the range.
	StartID string
	EndID   string
	// EntryCount is the number of entries in the range, inclusive.
	EntryCount int
	// Kind is the boundary kind that opened the segment.
	Kind BoundaryKind
}

// NodeID returns the deterministic knowledge-node id for this segment.
func (s Segment) NodeID() string {
	return NodeID(s.SessionPath, s.StartID, s.EndID)
}
