package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// defaultHTTPTimeout bounds one embedding request.
const defaultHTTPTimeout = 30 * time.Second

// Ollama calls a local ollama server's /api/embeddings endpoint.
type Ollama struct {
	baseURL string
	model   string
	dims    int
	client  *http.Client
}

// NewOllama builds an ollama-backed provider. An empty baseURL defaults to
// the local server.
func NewOllama(baseURL, model string, dims int) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}

	return &Ollama{
		baseURL: baseURL,
		model:   model,
		dims:    dims,
		client:  &http.Client{Timeout: defaultHTTPTimeout},
	}
}

func (o *Ollama) Model() string { return o.model }

func (o *Ollama) Dimensions() int { return o.dims }

// Embed posts the text and decodes the embedding array.
func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	body, marshalErr := json.Marshal(map[string]string{
		"model":  o.model,
		"prompt": text,
	})
	if marshalErr != nil {
		return nil, fmt.Errorf("embed: encode request: %w", marshalErr)
	}

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost,
		o.baseURL+"/api/embeddings", bytes.NewReader(body))
	if reqErr != nil {
		return nil, fmt.Errorf("embed: build request: %w", reqErr)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, doErr := o.client.Do(req)
	if doErr != nil {
		return nil, fmt.Errorf("embed: ollama request: %w", doErr)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return nil, fmt.Errorf("embed: ollama status %d: %s", resp.StatusCode, snippet)
	}

	var decoded struct {
		Embedding []float64 `json:"embedding"`
	}

	decodeErr := json.NewDecoder(resp.Body).Decode(&decoded)
	if decodeErr != nil {
		return nil, fmt.Errorf("embed: decode response: %w", decodeErr)
	}

	return checkedVector(decoded.Embedding, o.dims)
}

// checkedVector converts and validates the response vector length.
func checkedVector(raw []float64, wantDims int) ([]float32, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("embed: empty embedding in response")
	}

	if wantDims > 0 && len(raw) != wantDims {
		return nil, fmt.Errorf("embed: got %d dimensions, want %d", len(raw), wantDims)
	}

	vec := make([]float32, len(raw))
	for i, f := range raw {
		vec[i] = float32(f)
	}

	return vec, nil
}
