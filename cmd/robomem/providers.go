package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/robomem/robomem/pkg/core"
	"github.com/robomem/robomem/pkg/extract"
)

// registerProviders installs the factories this binary ships with. The
// engine itself never talks to a vendor API; deployments embedding robomem
// as a library register their own adapters instead.
//
// Only ollama is built in: it needs no credentials and its embeddings API
// is a single JSON endpoint. Hosted providers are expected to come in
// through library embedding.
func registerProviders(registry *extract.Registry, ollamaURL string) {
	registry.Register("ollama", ollamaFactory(ollamaURL))
}

// ollamaFactory builds embedding callables against a local Ollama server.
// Tag and proposition extraction are not provided; the serve command
// degrades those to no-ops.
func ollamaFactory(baseURL string) extract.Factory {
	return func(model string) (extract.Callables, error) {
		client := &http.Client{}
		return extract.Callables{
			Embed: func(ctx context.Context, text string) ([]float32, error) {
				return ollamaEmbed(ctx, client, baseURL, model, text)
			},
			CountTokens: core.ApproxTokens,
		}, nil
	}
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

func ollamaEmbed(ctx context.Context, client *http.Client, baseURL, model, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: model, Prompt: text})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}

	var out ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned an empty embedding for model %q", model)
	}

	vec := make([]float32, len(out.Embedding))
	for i, v := range out.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}
