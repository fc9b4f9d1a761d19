package transcript_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pibrain/pibrain/internal/transcript"
)

// writeTranscript writes lines to a temp .jsonl file and returns its path.
func writeTranscript(t *testing.T, lines ...string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "session.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	return path
}

const header = `{"id":"e0","ts":"2026-01-02T10:00:00Z","kind":"session_info","header":true,"sessionId":"sess-1"}`

func msg(id, parent, ts, role, content string) string {
	return `{"id":"` + id + `","parentId":"` + parent + `","ts":"` + ts +
		`","kind":"message","role":"` + role + `","content":"` + content + `"}`
}

func TestParseFile_SimpleSession_BuildsTree(t *testing.T) {
	t.Parallel()

	path := writeTranscript(t,
		header,
		msg("e1", "e0", "2026-01-02T10:00:01Z", "user", "hello"),
		msg("e2", "e1", "2026-01-02T10:00:05Z", "assistant", "hi"),
		msg("e3", "e2", "2026-01-02T10:00:09Z", "user", "bye"),
	)

	s, err := transcript.ParseFile(path)
	require.NoError(t, err)

	assert.Equal(t, "sess-1", s.ID())
	assert.Len(t, s.Entries, 4)
	assert.Equal(t, "e3", s.Leaf().ID)

	e, ok := s.Entry("e2")
	require.True(t, ok)
	assert.Equal(t, "assistant", e.Role)
}

func TestParseFile_MissingHeader_Fails(t *testing.T) {
	t.Parallel()

	path := writeTranscript(t,
		msg("e1", "", "2026-01-02T10:00:01Z", "user", "hello"),
	)

	_, err := transcript.ParseFile(path)
	require.ErrorIs(t, err, transcript.ErrMissingHeader)
}

func TestParseFile_HeaderNotFirst_Fails(t *testing.T) {
	t.Parallel()

	path := writeTranscript(t,
		msg("e1", "", "2026-01-02T10:00:01Z", "user", "hello"),
		header,
	)

	_, err := transcript.ParseFile(path)
	require.ErrorIs(t, err, transcript.ErrMissingHeader)
}

func TestParseFile_DuplicateID_Fails(t *testing.T) {
	t.Parallel()

	path := writeTranscript(t,
		header,
		msg("e1", "e0", "2026-01-02T10:00:01Z", "user", "a"),
		msg("e1", "e0", "2026-01-02T10:00:02Z", "user", "b"),
	)

	_, err := transcript.ParseFile(path)
	require.ErrorIs(t, err, transcript.ErrDuplicateEntry)
}

func TestParseFile_OrphanParent_Fails(t *testing.T) {
	t.Parallel()

	path := writeTranscript(t,
		header,
		msg("e1", "missing", "2026-01-02T10:00:01Z", "user", "a"),
	)

	_, err := transcript.ParseFile(path)
	require.ErrorIs(t, err, transcript.ErrOrphanEntry)
}

func TestParseFile_PartialTrailingLine_Discarded(t *testing.T) {
	t.Parallel()

	path := writeTranscript(t,
		header,
		msg("e1", "e0", "2026-01-02T10:00:01Z", "user", "hello"),
		`{"id":"e2","parentId":"e1","ts":"2026-01-02T10:0`,
	)

	s, err := transcript.ParseFile(path)
	require.NoError(t, err)
	assert.Len(t, s.Entries, 2)
	assert.Equal(t, "e1", s.Leaf().ID)
}

func TestParseFile_MalformedMidFile_Fails(t *testing.T) {
	t.Parallel()

	path := writeTranscript(t,
		header,
		`{"broken`,
		msg("e1", "e0", "2026-01-02T10:00:01Z", "user", "hello"),
	)

	_, err := transcript.ParseFile(path)
	require.ErrorIs(t, err, transcript.ErrMalformedEntry)
}

func TestParseFile_BlankLines_Skipped(t *testing.T) {
	t.Parallel()

	path := writeTranscript(t,
		header,
		"",
		msg("e1", "e0", "2026-01-02T10:00:01Z", "user", "hello"),
		"   ",
	)

	s, err := transcript.ParseFile(path)
	require.NoError(t, err)
	assert.Len(t, s.Entries, 2)
}

func TestLeaf_TimestampTie_BreaksByID(t *testing.T) {
	t.Parallel()

	path := writeTranscript(t,
		header,
		msg("e1", "e0", "2026-01-02T10:00:01Z", "user", "a"),
		msg("e2a", "e1", "2026-01-02T10:00:05Z", "assistant", "b"),
		msg("e2b", "e1", "2026-01-02T10:00:05Z", "assistant", "c"),
	)

	s, err := transcript.ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, "e2b", s.Leaf().ID)
}

func TestChildren_SortedByTimestampThenID(t *testing.T) {
	t.Parallel()

	path := writeTranscript(t,
		header,
		msg("z1", "e0", "2026-01-02T10:00:03Z", "user", "late"),
		msg("a1", "e0", "2026-01-02T10:00:01Z", "user", "early"),
		msg("b1", "e0", "2026-01-02T10:00:01Z", "user", "early-tie"),
	)

	s, err := transcript.ParseFile(path)
	require.NoError(t, err)

	kids := s.Children("e0")
	require.Len(t, kids, 3)
	assert.Equal(t, "a1", kids[0].ID)
	assert.Equal(t, "b1", kids[1].ID)
	assert.Equal(t, "z1", kids[2].ID)
}

func TestPathTo_ReturnsRootFirstChain(t *testing.T) {
	t.Parallel()

	path := writeTranscript(t,
		header,
		msg("e1", "e0", "2026-01-02T10:00:01Z", "user", "a"),
		msg("e2", "e1", "2026-01-02T10:00:02Z", "assistant", "b"),
	)

	s, err := transcript.ParseFile(path)
	require.NoError(t, err)

	chain, err := s.PathTo("e2")
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, "e0", chain[0].ID)
	assert.Equal(t, "e2", chain[2].ID)

	_, err = s.PathTo("nope")
	require.ErrorIs(t, err, transcript.ErrEntryNotFound)
}

func TestStats_AggregatesTokensModelsAndDepth(t *testing.T) {
	t.Parallel()

	path := writeTranscript(t,
		header,
		msg("e1", "e0", "2026-01-02T10:00:01Z", "user", "a"),
		`{"id":"e2","parentId":"e1","ts":"2026-01-02T10:00:02Z","kind":"message","role":"assistant","content":"b","model":"m-1","usage":{"inputTokens":100,"outputTokens":50,"costUsd":0.01}}`,
		`{"id":"e3","parentId":"e1","ts":"2026-01-02T10:00:03Z","kind":"message","role":"assistant","content":"c","model":"m-2","usage":{"inputTokens":10,"outputTokens":5,"costUsd":0.002}}`,
	)

	s, err := transcript.ParseFile(path)
	require.NoError(t, err)

	st := s.Stats()
	assert.Equal(t, 4, st.EntryCount)
	assert.Equal(t, 3, st.MessageCount)
	assert.Equal(t, 110, st.InputTokens)
	assert.Equal(t, 55, st.OutputTokens)
	assert.InDelta(t, 0.012, st.CostUSD, 1e-9)
	assert.Equal(t, []string{"m-1", "m-2"}, st.ModelsUsed)
	assert.Equal(t, 1, st.BranchPoints)
	assert.Equal(t, 3, st.MaxTreeDepth)
}

func TestPreview_TruncatesAndCollapsesWhitespace(t *testing.T) {
	t.Parallel()

	e := &transcript.Entry{Kind: transcript.KindMessage, Content: "  a   b\n\tc  "}
	assert.Equal(t, "a b c", transcript.Preview(e, 10))
	assert.Equal(t, "a b…", transcript.Preview(e, 3))
}
