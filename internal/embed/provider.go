// Package embed abstracts embedding providers used to vectorize node
// summaries for semantic search.
package embed

import "context"

// Provider turns text into a fixed-length embedding vector.
type Provider interface {
	// Embed returns the embedding for one text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Model names the embedding model, recorded per embedding row.
	Model() string

	// Dimensions is the vector length the provider emits.
	Dimensions() int
}
