package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"bartholomew/internal/logging"
)

// ollamaEngine talks to a local Ollama server. Optional provider for
// setups that want real semantic vectors instead of the hash
// projection; the daemon never requires it.
type ollamaEngine struct {
	cfg      Config
	endpoint string
	client   *http.Client
}

const defaultOllamaEndpoint = "http://localhost:11434"

func newOllamaEngine(cfg Config, endpoint string) *ollamaEngine {
	if endpoint == "" {
		endpoint = defaultOllamaEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = "embeddinggemma"
	}
	return &ollamaEngine{
		cfg:      cfg,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *ollamaEngine) Config() Config {
	return e.cfg
}

// Embed calls the server once per text; Ollama has no batch endpoint.
func (e *ollamaEngine) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.embedOne(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		if len(vec) != e.cfg.Dim {
			return nil, fmt.Errorf("model %s returned dim %d, expected %d", e.cfg.Model, len(vec), e.cfg.Dim)
		}
		out[i] = vec
	}
	logging.EmbeddingDebug("Ollama embedded %d texts model=%s", len(texts), e.cfg.Model)
	return out, nil
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (e *ollamaEngine) embedOne(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: e.cfg.Model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ollama status %d: %s", resp.StatusCode, string(msg))
	}

	var decoded ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return decoded.Embedding, nil
}
