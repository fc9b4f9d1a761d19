package persist

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fileState mirrors the per-transcript bookkeeping the watcher snapshots.
type fileState struct {
	Path       string    `json:"path"`
	Offset     int64     `json:"offset"`
	LastEvent  time.Time `json:"lastEvent"`
	SegmentIDs []string  `json:"segmentIds"`
}

func sampleState() fileState {
	return fileState{
		Path:       "/hub/sessions/2026-08-20.jsonl",
		Offset:     8192,
		LastEvent:  time.Date(2026, 8, 20, 14, 30, 0, 0, time.UTC),
		SegmentIDs: []string{"kn-1a2b3c4d5e6f7081", "kn-90abcdef01234567"},
	}
}

func TestJSONCodec_RoundTrip(t *testing.T) {
	t.Parallel()

	codec := NewJSONCodec()
	original := sampleState()

	var buf bytes.Buffer

	require.NoError(t, codec.Encode(&buf, original))

	var decoded fileState

	require.NoError(t, codec.Decode(&buf, &decoded))
	assert.Equal(t, original, decoded)
}

func TestJSONCodec_IndentControlsLayout(t *testing.T) {
	t.Parallel()

	var pretty, compact bytes.Buffer

	require.NoError(t, NewJSONCodec().Encode(&pretty, sampleState()))
	require.NoError(t, (&JSONCodec{}).Encode(&compact, sampleState()))

	assert.Contains(t, pretty.String(), "\n  ")
	assert.NotContains(t, strings.TrimSpace(compact.String()), "\n")
}

func TestGobCodec_RoundTrip(t *testing.T) {
	t.Parallel()

	codec := NewGobCodec()
	original := sampleState()

	var buf bytes.Buffer

	require.NoError(t, codec.Encode(&buf, original))

	var decoded fileState

	require.NoError(t, codec.Decode(&buf, &decoded))
	assert.Equal(t, original.Path, decoded.Path)
	assert.Equal(t, original.Offset, decoded.Offset)
	assert.Equal(t, original.SegmentIDs, decoded.SegmentIDs)
}

func TestCodec_Extensions(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ".json", NewJSONCodec().Extension())
	assert.Equal(t, ".gob", NewGobCodec().Extension())
}

func TestSaveState_AtomicAndReloadable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	codec := NewJSONCodec()

	require.NoError(t, SaveState(dir, "watcher-state", codec, sampleState()))

	// No temp residue may survive a successful save.
	entries, readErr := os.ReadDir(dir)
	require.NoError(t, readErr)
	require.Len(t, entries, 1)
	assert.Equal(t, "watcher-state.json", entries[0].Name())

	var loaded fileState

	require.NoError(t, LoadState(dir, "watcher-state", codec, &loaded))
	assert.Equal(t, sampleState(), loaded)
}

func TestSaveState_OverwritePreservesLatest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	codec := NewJSONCodec()

	first := sampleState()
	require.NoError(t, SaveState(dir, "watcher-state", codec, first))

	second := first
	second.Offset = 16384
	require.NoError(t, SaveState(dir, "watcher-state", codec, second))

	var loaded fileState

	require.NoError(t, LoadState(dir, "watcher-state", codec, &loaded))
	assert.Equal(t, int64(16384), loaded.Offset)
}

func TestLoadState_MissingFile_Errors(t *testing.T) {
	t.Parallel()

	var loaded fileState

	err := LoadState(t.TempDir(), "watcher-state", NewJSONCodec(), &loaded)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadState_CorruptFile_Errors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "watcher-state.json")
	require.NoError(t, os.WriteFile(path, []byte("{truncated"), 0o644))

	var loaded fileState

	err := LoadState(dir, "watcher-state", NewJSONCodec(), &loaded)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode state")
}
