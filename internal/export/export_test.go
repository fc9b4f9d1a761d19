package export_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pibrain/pibrain/internal/export"
	"github.com/pibrain/pibrain/internal/store"
)

func seededStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(store.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()

	for _, id := range []string{"kn-ex00000000000001", "kn-ex00000000000002"} {
		n := &store.Node{
			ID:      id,
			Version: 1,
			Source: store.Source{
				SessionPath: "/sessions/" + id + ".jsonl",
				StartID:     "e00",
				EndID:       "e04",
			},
			Content: store.Content{Summary: "exported " + id, Outcome: store.OutcomeSuccess},
			Metadata: store.Metadata{
				ObservedAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
				AnalyzedAt: time.Date(2026, 5, 1, 12, 5, 0, 0, time.UTC),
			},
			Relevance: store.Relevance{Score: 1},
		}
		require.NoError(t, s.UpsertSegment(ctx, n, nil, nil))
	}

	require.NoError(t, s.UpsertEdge(ctx, store.Edge{
		SourceID:  "kn-ex00000000000001",
		TargetID:  "kn-ex00000000000002",
		Type:      store.EdgeRelatesTo,
		CreatedBy: store.EdgeByDaemon,
	}))

	return s
}

func TestWrite_JSON_RoundTrips(t *testing.T) {
	t.Parallel()

	s := seededStore(t)

	var buf bytes.Buffer

	snap, err := export.Write(context.Background(), s, &buf, export.Options{Format: export.FormatJSON})
	require.NoError(t, err)
	assert.Equal(t, 2, snap.NodeCount)
	assert.Equal(t, 1, snap.EdgeCount)

	got, readErr := export.Read(&buf, export.FormatJSON, false)
	require.NoError(t, readErr)
	require.Len(t, got.Nodes, 2)
	require.Len(t, got.Edges, 1)
	assert.Equal(t, "kn-ex00000000000001", got.Nodes[0].ID)
	assert.Equal(t, store.EdgeRelatesTo, got.Edges[0].Type)
}

func TestWrite_YAML_RoundTrips(t *testing.T) {
	t.Parallel()

	s := seededStore(t)

	var buf bytes.Buffer

	_, err := export.Write(context.Background(), s, &buf, export.Options{Format: export.FormatYAML})
	require.NoError(t, err)

	// The YAML document carries the JSON key names.
	assert.Contains(t, buf.String(), "sessionPath:")

	got, readErr := export.Read(&buf, export.FormatYAML, false)
	require.NoError(t, readErr)
	require.Len(t, got.Nodes, 2)
	assert.Equal(t, "/sessions/kn-ex00000000000001.jsonl", got.Nodes[0].Source.SessionPath)
}

func TestWrite_Compressed_RoundTrips(t *testing.T) {
	t.Parallel()

	s := seededStore(t)

	var buf bytes.Buffer

	_, err := export.Write(context.Background(), s, &buf, export.Options{
		Format:   export.FormatJSON,
		Compress: true,
	})
	require.NoError(t, err)

	// lz4 frame magic number.
	require.GreaterOrEqual(t, buf.Len(), 4)
	assert.Equal(t, []byte{0x04, 0x22, 0x4d, 0x18}, buf.Bytes()[:4])

	got, readErr := export.Read(&buf, export.FormatJSON, true)
	require.NoError(t, readErr)
	assert.Len(t, got.Nodes, 2)
}

func TestWrite_IncludesArchivedNodes(t *testing.T) {
	t.Parallel()

	s := seededStore(t)
	ctx := context.Background()

	require.NoError(t, s.Archive(ctx, "kn-ex00000000000002"))

	var buf bytes.Buffer

	snap, err := export.Write(ctx, s, &buf, export.Options{Format: export.FormatJSON})
	require.NoError(t, err)
	assert.Equal(t, 2, snap.NodeCount)
}
