package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"strings"
)

// Embedder generates vector embeddings from text.
type Embedder interface {
	// Embed generates a single embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding vector dimensionality.
	Dimensions() int
}

// RemoteEmbedder calls an OpenAI-compatible /v1/embeddings endpoint.
type RemoteEmbedder struct {
	baseURL    string
	apiKey     string
	model      string
	dims       int
	httpClient *http.Client
}

// NewRemoteEmbedder creates a remote embedding provider. dims must match
// what the model returns; it is validated on the first response.
func NewRemoteEmbedder(baseURL, apiKey, model string, dims int) *RemoteEmbedder {
	return &RemoteEmbedder{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		dims:       dims,
		httpClient: &http.Client{},
	}
}

// Dimensions returns the embedding vector size.
func (p *RemoteEmbedder) Dimensions() int { return p.dims }

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Embed generates a single embedding.
func (p *RemoteEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in a single call.
func (p *RemoteEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	reqBody, err := json.Marshal(embeddingRequest{Input: texts, Model: p.model})
	if err != nil {
		return nil, fmt.Errorf("rag: marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("rag: create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rag: send embedding request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("rag: read embedding response: %w", err)
	}

	var result embeddingResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("rag: unmarshal embedding response: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("rag: embedding provider error: %s: %s", result.Error.Type, result.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rag: embedding status %d: %s", resp.StatusCode, string(body))
	}

	// Responses may arrive out of input order.
	vecs := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("rag: invalid index %d in embedding response", d.Index)
		}
		if len(d.Embedding) != p.dims {
			return nil, fmt.Errorf("rag: embedding dims %d, want %d", len(d.Embedding), p.dims)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

// HashEmbedder is the deterministic offline fallback: a hashed bag-of-words
// vector. Tokens are FNV-1a hashed into dims buckets with a sign bit, then
// the vector is L2-normalized. No model, no network, stable across runs.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a hashed bag-of-words embedder.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 128
	}
	return &HashEmbedder{dims: dims}
}

// Dimensions returns the embedding vector size.
func (h *HashEmbedder) Dimensions() int { return h.dims }

// Embed returns the hashed bag-of-words vector. Empty text yields the zero
// vector.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dims)
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return vec, nil
	}

	for _, tok := range tokens {
		hash := fnv.New32a()
		hash.Write([]byte(tok))
		sum := hash.Sum32()
		bucket := int(sum % uint32(h.dims))
		if sum&(1<<31) != 0 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

// EmbedBatch hashes each text independently.
func (h *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vecs[i] = v
	}
	return vecs, nil
}
