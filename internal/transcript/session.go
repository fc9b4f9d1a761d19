package transcript

import (
	"errors"
	"sort"
	"strings"
	"unicode/utf8"
)

// ErrEntryNotFound indicates a lookup for an id not present in the session.
var ErrEntryNotFound = errors.New("transcript: entry not found")

// Session is the full contents of one transcript file plus derived indexes.
type Session struct {
	// Path is the transcript file path the session was loaded from.
	Path string

	// Header is the first entry (kind session_info, header flag set).
	Header *Entry

	// Entries holds all entries in file order.
	Entries []*Entry

	byID     map[string]*Entry
	children map[string][]*Entry
	leaf     *Entry
}

// ID returns the session identifier declared by the header.
func (s *Session) ID() string {
	return s.Header.SessionID
}

// ParentSessionID returns the parent session declared by the header,
// empty when the session was not forked.
func (s *Session) ParentSessionID() string {
	return s.Header.ParentSessionID
}

// Entry returns the entry with the given id.
func (s *Session) Entry(id string) (*Entry, bool) {
	e, ok := s.byID[id]

	return e, ok
}

// Children returns the entries whose parent is id, sorted ascending by
// timestamp then id. The returned slice is shared; callers must not mutate it.
func (s *Session) Children(id string) []*Entry {
	return s.children[id]
}

// Leaf returns the session leaf: the childless entry with the greatest
// timestamp, ties broken by lexicographically greatest id.
func (s *Session) Leaf() *Entry {
	return s.leaf
}

// findLeaf scans all childless entries for the leaf.
func (s *Session) findLeaf() *Entry {
	var leaf *Entry

	for _, e := range s.Entries {
		if len(s.children[e.ID]) > 0 {
			continue
		}

		if leaf == nil {
			leaf = e

			continue
		}

		if e.Timestamp.After(leaf.Timestamp) {
			leaf = e
		} else if e.Timestamp.Equal(leaf.Timestamp) && e.ID > leaf.ID {
			leaf = e
		}
	}

	return leaf
}

// PathTo returns the ancestor chain from the root down to the entry with the
// given id, inclusive.
func (s *Session) PathTo(id string) ([]*Entry, error) {
	e, ok := s.byID[id]
	if !ok {
		return nil, ErrEntryNotFound
	}

	var chain []*Entry

	for e != nil {
		chain = append(chain, e)

		if e.IsRoot() {
			break
		}

		e = s.byID[e.ParentID]
	}

	// Reverse into root-first order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	return chain, nil
}

// Preview returns the first maxLen runes of a message's text content with
// internal whitespace collapsed. Non-message entries preview their summary
// or label.
func Preview(e *Entry, maxLen int) string {
	text := e.Content
	if text == "" {
		text = e.Summary
	}

	if text == "" {
		text = e.Label
	}

	text = strings.Join(strings.Fields(text), " ")

	if utf8.RuneCountInString(text) <= maxLen {
		return text
	}

	runes := []rune(text)

	return string(runes[:maxLen]) + "…"
}

// Stats aggregates per-session accounting.
type Stats struct {
	EntryCount    int
	MessageCount  int
	InputTokens   int
	OutputTokens  int
	CostUSD       float64
	ModelsUsed    []string
	BranchPoints  int
	MaxTreeDepth  int
}

// Stats walks the session once and aggregates counts, token and cost sums,
// the set of models used, branch points, and the maximum tree depth.
func (s *Session) Stats() Stats {
	st := Stats{EntryCount: len(s.Entries)}
	models := make(map[string]struct{})

	for _, e := range s.Entries {
		if e.IsMessage() {
			st.MessageCount++
		}

		if e.Model != "" {
			models[e.Model] = struct{}{}
		}

		if e.Usage != nil {
			st.InputTokens += e.Usage.InputTokens
			st.OutputTokens += e.Usage.OutputTokens
			st.CostUSD += e.Usage.CostUSD
		}

		if len(s.children[e.ID]) > 1 {
			st.BranchPoints++
		}
	}

	st.ModelsUsed = make([]string, 0, len(models))
	for m := range models {
		st.ModelsUsed = append(st.ModelsUsed, m)
	}

	sort.Strings(st.ModelsUsed)

	st.MaxTreeDepth = s.maxDepth()

	return st
}

// maxDepth computes the longest root-to-leaf chain iteratively.
func (s *Session) maxDepth() int {
	depth := make(map[string]int, len(s.Entries))

	var deepest int

	// Entries appear in append order, so parents precede children in the
	// common case; fall back to chain-walking when they do not.
	var depthOf func(e *Entry) int

	depthOf = func(e *Entry) int {
		if d, ok := depth[e.ID]; ok {
			return d
		}

		d := 1
		if !e.IsRoot() {
			d = depthOf(s.byID[e.ParentID]) + 1
		}

		depth[e.ID] = d

		return d
	}

	for _, e := range s.Entries {
		d := depthOf(e)
		if d > deepest {
			deepest = d
		}
	}

	return deepest
}
