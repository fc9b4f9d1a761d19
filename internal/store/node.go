package store

import (
	"encoding/json"
	"time"
)

// Outcome is the closed set of segment outcomes reported by the analyzer.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomePartial   Outcome = "partial"
	OutcomeFailed    Outcome = "failed"
	OutcomeAbandoned Outcome = "abandoned"
)

// Source identifies the segment a node was derived from.
type Source struct {
	SessionPath string `json:"sessionPath"`
	StartID     string `json:"startId"`
	EndID       string `json:"endId"`
	Computer    string `json:"computer,omitempty"`
}

// Classification carries the analyzer's task typing.
type Classification struct {
	TaskType   string   `json:"taskType,omitempty"`
	Project    string   `json:"project,omitempty"`
	Languages  []string `json:"languages,omitempty"`
	Frameworks []string `json:"frameworks,omitempty"`
	Flags      []string `json:"flags,omitempty"`
}

// Content is the analyzer's narrative output for the segment.
type Content struct {
	Summary        string   `json:"summary"`
	Outcome        Outcome  `json:"outcome,omitempty"`
	KeyDecisions   []string `json:"keyDecisions,omitempty"`
	FilesTouched   []string `json:"filesTouched,omitempty"`
	ToolsUsed      []string `json:"toolsUsed,omitempty"`
	ErrorsObserved []string `json:"errorsObserved,omitempty"`
}

// Lessons holds the seven disjoint lesson buckets.
type Lessons struct {
	Project  []string `json:"project,omitempty"`
	Task     []string `json:"task,omitempty"`
	User     []string `json:"user,omitempty"`
	Model    []string `json:"model,omitempty"`
	Tool     []string `json:"tool,omitempty"`
	Skill    []string `json:"skill,omitempty"`
	Subagent []string `json:"subagent,omitempty"`
}

// Observations records model and tooling behavior noticed during the segment.
type Observations struct {
	ModelsUsed        []string `json:"modelsUsed,omitempty"`
	PromptingWins     []string `json:"promptingWins,omitempty"`
	PromptingFailures []string `json:"promptingFailures,omitempty"`
	ModelQuirks       []string `json:"modelQuirks,omitempty"`
	ToolUseErrors     []string `json:"toolUseErrors,omitempty"`
}

// Metadata carries accounting and provenance timestamps.
type Metadata struct {
	Tokens          int       `json:"tokens,omitempty"`
	CostUSD         float64   `json:"costUsd,omitempty"`
	DurationSeconds float64   `json:"durationSeconds,omitempty"`
	ObservedAt      time.Time `json:"observedAt"`
	AnalyzedAt      time.Time `json:"analyzedAt"`
	AnalyzerVersion string    `json:"analyzerVersion,omitempty"`
}

// Semantic carries free-form semantic annotations used for search and linking.
type Semantic struct {
	Tags            []string `json:"tags,omitempty"`
	Topics          []string `json:"topics,omitempty"`
	RelatedProjects []string `json:"relatedProjects,omitempty"`
	Concepts        []string `json:"concepts,omitempty"`
}

// DaemonMeta records decisions the daemon made while analyzing the segment.
type DaemonMeta struct {
	Decisions     []string `json:"decisions,omitempty"`
	RLMSkillUsed  bool     `json:"rlmSkillUsed,omitempty"`
	SegmentTokens int      `json:"segmentTokens,omitempty"`
}

// Signals holds optional friction/delight scoring.
type Signals struct {
	Friction float64  `json:"friction"`
	Delight  float64  `json:"delight"`
	Flags    []string `json:"flags,omitempty"`
}

// Relevance drives decay-based archival.
type Relevance struct {
	Score          float64   `json:"score"`
	Importance     float64   `json:"importance,omitempty"`
	Archived       bool      `json:"archived"`
	LastAccessedAt time.Time `json:"lastAccessedAt,omitempty"`
}

// Node is the analyzer's structured output for one segment plus daemon-derived
// metadata. The JSON blob file is the source of truth; relational rows are a
// projection rebuilt deterministically from it.
type Node struct {
	ID             string         `json:"id"`
	Version        int            `json:"version"`
	Source         Source         `json:"source"`
	Classification Classification `json:"classification"`
	Content        Content        `json:"content"`
	Lessons        Lessons        `json:"lessons"`
	Observations   Observations   `json:"observations"`
	Metadata       Metadata       `json:"metadata"`
	Semantic       Semantic       `json:"semantic"`
	DaemonMeta     DaemonMeta     `json:"daemonMeta"`
	Signals        *Signals       `json:"signals,omitempty"`
	Relevance      Relevance      `json:"relevance"`

	// Extra preserves unknown top-level fields from newer analyzer versions.
	// They round-trip through the blob and are ignored on the relational
	// projection.
	Extra map[string]json.RawMessage `json:"-"`
}

// knownNodeFields are the top-level JSON keys modeled by Node.
var knownNodeFields = map[string]struct{}{
	"id": {}, "version": {}, "source": {}, "classification": {},
	"content": {}, "lessons": {}, "observations": {}, "metadata": {},
	"semantic": {}, "daemonMeta": {}, "signals": {}, "relevance": {},
}

// nodeAlias avoids recursing into the custom (un)marshalers.
type nodeAlias Node

// UnmarshalJSON decodes known fields into the struct and captures unknown
// top-level fields into Extra.
func (n *Node) UnmarshalJSON(data []byte) error {
	var alias nodeAlias

	err := json.Unmarshal(data, &alias)
	if err != nil {
		return err
	}

	var raw map[string]json.RawMessage

	err = json.Unmarshal(data, &raw)
	if err != nil {
		return err
	}

	for key := range raw {
		if _, known := knownNodeFields[key]; known {
			delete(raw, key)
		}
	}

	if len(raw) > 0 {
		alias.Extra = raw
	}

	*n = Node(alias)

	return nil
}

// MarshalJSON emits known fields plus any preserved unknown fields.
func (n Node) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(nodeAlias(n))
	if err != nil {
		return nil, err
	}

	if len(n.Extra) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage

	err = json.Unmarshal(base, &merged)
	if err != nil {
		return nil, err
	}

	for key, value := range n.Extra {
		if _, known := knownNodeFields[key]; !known {
			merged[key] = value
		}
	}

	return json.Marshal(merged)
}

// EdgeCreator tags who created an edge.
type EdgeCreator string

const (
	EdgeByAnalyzer EdgeCreator = "analyzer"
	EdgeByDaemon   EdgeCreator = "daemon"
	EdgeByUser     EdgeCreator = "user"
)

// Edge types produced by consolidation.
const (
	EdgeRelatesTo  = "RELATES_TO"
	EdgeReferences = "REFERENCES"
	EdgeReinforces = "REINFORCES"
)

// Edge is a directed typed relation between two nodes. Duplicates within
// (source, target, type) are coalesced on write.
type Edge struct {
	SourceID   string          `json:"sourceId"`
	TargetID   string          `json:"targetId"`
	Type       string          `json:"type"`
	CreatedBy  EdgeCreator     `json:"createdBy"`
	Confidence float64         `json:"confidence"`
	Similarity *float64        `json:"similarity,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// EmbeddingFormat marks revisions of the embedding input schema.
const EmbeddingFormatV1 = "v1"

// Embedding is a fixed-length vector attached to one node.
type Embedding struct {
	NodeID    string    `json:"nodeId"`
	Model     string    `json:"model"`
	InputText string    `json:"inputText"`
	Format    string    `json:"format"`
	Vector    []float32 `json:"-"`
}

// NodeSummary is the relational projection of a node used by list and
// search operations.
type NodeSummary struct {
	ID             string
	Version        int
	SessionPath    string
	StartID        string
	EndID          string
	Computer       string
	Project        string
	TaskType       string
	Outcome        string
	Summary        string
	ObservedAt     time.Time
	AnalyzedAt     time.Time
	Relevance      float64
	Importance     float64
	Archived       bool
	LastAccessedAt time.Time
}
