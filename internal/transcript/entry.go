// Package transcript parses append-only coding-agent session files into
// provenance trees. A transcript is line-delimited JSON, one entry per line,
// with the session header on the first line.
package transcript

import (
	"encoding/json"
	"time"
)

// Kind tags the payload type of a transcript entry.
type Kind string

const (
	// KindSessionInfo marks the session header and mid-session metadata records.
	KindSessionInfo Kind = "session_info"
	// KindMessage is a user or assistant message.
	KindMessage Kind = "message"
	// KindBranchSummary is an analyzer-written compaction of an abandoned branch.
	KindBranchSummary Kind = "branch_summary"
	// KindCompaction marks a context compaction point.
	KindCompaction Kind = "compaction"
	// KindLabel is a user-assigned label record.
	KindLabel Kind = "label"
)

// Usage carries token and cost accounting for a message entry.
type Usage struct {
	InputTokens  int     `json:"inputTokens,omitempty"`
	OutputTokens int     `json:"outputTokens,omitempty"`
	CostUSD      float64 `json:"costUsd,omitempty"`
}

// Entry is one immutable transcript record. Entries form a tree rooted at
// entries whose ParentID is empty.
type Entry struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parentId,omitempty"`
	Timestamp time.Time `json:"ts"`
	Kind      Kind      `json:"kind"`

	// Header is true only on the session header record (first line).
	Header bool `json:"header,omitempty"`

	// SessionID and ParentSessionID are set on session_info entries.
	SessionID       string `json:"sessionId,omitempty"`
	ParentSessionID string `json:"parentSessionId,omitempty"`

	// Message payload fields.
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
	Model   string `json:"model,omitempty"`
	Usage   *Usage `json:"usage,omitempty"`

	// Summary is set on branch_summary and compaction entries.
	Summary string `json:"summary,omitempty"`

	// Label is set on label entries.
	Label string `json:"label,omitempty"`

	// Raw preserves the original line, including fields this struct does
	// not model. Not serialized back out.
	Raw json.RawMessage `json:"-"`
}

// IsRoot reports whether the entry has no parent.
func (e *Entry) IsRoot() bool {
	return e.ParentID == ""
}

// IsMessage reports whether the entry is a user or assistant message.
func (e *Entry) IsMessage() bool {
	return e.Kind == KindMessage
}
