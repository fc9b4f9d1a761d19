package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// OpenAI calls an OpenAI-compatible /v1/embeddings endpoint. Pointing the
// base URL at openrouter (or any compatible gateway) works unchanged.
type OpenAI struct {
	baseURL string
	apiKey  string
	model   string
	dims    int
	client  *http.Client
}

// NewOpenAI builds an OpenAI-style provider. An empty baseURL defaults to
// the OpenAI API.
func NewOpenAI(baseURL, apiKey, model string, dims int) *OpenAI {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}

	return &OpenAI{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		dims:    dims,
		client:  &http.Client{Timeout: defaultHTTPTimeout},
	}
}

func (o *OpenAI) Model() string { return o.model }

func (o *OpenAI) Dimensions() int { return o.dims }

// Embed posts the text and decodes the first embedding in the response.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	body, marshalErr := json.Marshal(map[string]any{
		"model": o.model,
		"input": text,
	})
	if marshalErr != nil {
		return nil, fmt.Errorf("embed: encode request: %w", marshalErr)
	}

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost,
		o.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if reqErr != nil {
		return nil, fmt.Errorf("embed: build request: %w", reqErr)
	}

	req.Header.Set("Content-Type", "application/json")

	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, doErr := o.client.Do(req)
	if doErr != nil {
		return nil, fmt.Errorf("embed: openai request: %w", doErr)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return nil, fmt.Errorf("embed: openai status %d: %s", resp.StatusCode, snippet)
	}

	var decoded struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}

	decodeErr := json.NewDecoder(resp.Body).Decode(&decoded)
	if decodeErr != nil {
		return nil, fmt.Errorf("embed: decode response: %w", decodeErr)
	}

	if len(decoded.Data) == 0 {
		return nil, fmt.Errorf("embed: response carries no embeddings")
	}

	return checkedVector(decoded.Data[0].Embedding, o.dims)
}
