package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OllamaDriver embeds text through Ollama's local /api/embed endpoint.
// Supports nomic-embed-text (768d), mxbai-embed-large (1024d), all-minilm (384d).
type OllamaDriver struct {
	endpoint   string // e.g. http://localhost:11434
	model      string
	dimensions int
	client     *http.Client
}

// NewOllamaDriver creates an Ollama embedding driver. An empty endpoint
// defaults to the local Ollama instance.
func NewOllamaDriver(endpoint, model string) *OllamaDriver {
	dims := 768
	switch model {
	case "mxbai-embed-large":
		dims = 1024
	case "all-minilm", "all-minilm:l6-v2":
		dims = 384
	}
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}

	return &OllamaDriver{
		endpoint:   endpoint,
		model:      model,
		dimensions: dims,
		client:     &http.Client{Timeout: 120 * time.Second},
	}
}

func (d *OllamaDriver) Kind() string    { return "ollama" }
func (d *OllamaDriver) Dimensions() int { return d.dimensions }

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// Embed generates vector embeddings. Ollama supports batches natively.
func (d *OllamaDriver) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(ollamaEmbedRequest{Model: d.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama embed API returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result ollamaEmbedResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(result.Embeddings))
	}
	return result.Embeddings, nil
}

// HealthCheck verifies Ollama is reachable and the model is available.
func (d *OllamaDriver) HealthCheck(ctx context.Context) error {
	_, err := d.Embed(ctx, []string{"health check"})
	return err
}
