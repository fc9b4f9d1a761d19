package embed_test

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pibrain/pibrain/internal/embed"
)

func TestMock_Deterministic(t *testing.T) {
	t.Parallel()

	m := embed.NewMock(16)
	ctx := context.Background()

	a, err := m.Embed(ctx, "fix watcher race")
	require.NoError(t, err)

	b, err := m.Embed(ctx, "fix watcher race")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := m.Embed(ctx, "different text entirely")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestMock_UnitLength(t *testing.T) {
	t.Parallel()

	m := embed.NewMock(32)

	vec, err := m.Embed(context.Background(), "anything")
	require.NoError(t, err)
	require.Len(t, vec, 32)

	var mag float64
	for _, f := range vec {
		mag += float64(f) * float64(f)
	}

	assert.InDelta(t, 1.0, math.Sqrt(mag), 1e-5)
}

func TestOllama_Embed_DecodesResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req["model"])
		assert.Equal(t, "hello", req["prompt"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"embedding": []float64{0.1, 0.2, 0.3, 0.4},
		})
	}))
	defer srv.Close()

	p := embed.NewOllama(srv.URL, "nomic-embed-text", 4)

	vec, err := p.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3, 0.4}, vec)
	assert.Equal(t, "nomic-embed-text", p.Model())
	assert.Equal(t, 4, p.Dimensions())
}

func TestOllama_Embed_DimensionMismatch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float64{0.1, 0.2}})
	}))
	defer srv.Close()

	p := embed.NewOllama(srv.URL, "nomic-embed-text", 4)

	_, err := p.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimensions")
}

func TestOpenAI_Embed_DecodesAndAuthenticates(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float64{1, 0, 0}}},
		})
	}))
	defer srv.Close()

	p := embed.NewOpenAI(srv.URL, "sk-test", "text-embedding-3-small", 3)

	vec, err := p.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, vec)
}

func TestOpenAI_Embed_ErrorStatusSurfaced(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error": "invalid key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := embed.NewOpenAI(srv.URL, "bad", "text-embedding-3-small", 3)

	_, err := p.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
