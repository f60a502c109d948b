// Package voyage provides an embeddings provider backed by the Voyage AI API.
//
// voyage-2 produces 1024-dimensional vectors, which is the dimension Donna's
// email index is created with.
package voyage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/donnalabs/donna/pkg/provider/embeddings"
)

// DefaultModel is the default Voyage embeddings model.
const DefaultModel = "voyage-2"

// defaultBaseURL is the Voyage AI API endpoint.
const defaultBaseURL = "https://api.voyageai.com/v1"

// Ensure Provider implements the embeddings.Provider interface.
var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider using the Voyage AI REST API.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	dimensions int
	httpClient *http.Client
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithBaseURL overrides the default Voyage API base URL. Useful for tests.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// New constructs a new Voyage embeddings Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("voyage embeddings: apiKey must not be empty")
	}

	p := &Provider{
		apiKey:     apiKey,
		model:      DefaultModel,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	p.dimensions = modelDimensions(p.model)
	return p, nil
}

// embedRequest is the JSON body for POST /embeddings.
type embedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

// embedResponse is the JSON shape of the Voyage embeddings response.
type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, embeddings.ErrInvalidInput
	}
	vecs, err := p.request(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for _, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, embeddings.ErrInvalidInput
		}
	}
	return p.request(ctx, texts)
}

// request performs one embeddings call and orders the result by index.
func (p *Provider) request(ctx context.Context, input []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Input: input, Model: p.model})
	if err != nil {
		return nil, fmt.Errorf("voyage embeddings: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("voyage embeddings: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("voyage embeddings: %w: %w", embeddings.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("voyage embeddings: %w: status %d: %s",
			embeddings.ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("voyage embeddings: %w: decode response: %w", embeddings.ErrUnavailable, err)
	}
	if len(parsed.Data) != len(input) {
		return nil, fmt.Errorf("voyage embeddings: expected %d embeddings, got %d", len(input), len(parsed.Data))
	}

	result := make([][]float32, len(input))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(input) {
			return nil, fmt.Errorf("voyage embeddings: unexpected index %d", d.Index)
		}
		if len(d.Embedding) != p.dimensions {
			return nil, fmt.Errorf("voyage embeddings: expected dimension %d, got %d", p.dimensions, len(d.Embedding))
		}
		result[d.Index] = d.Embedding
	}
	return result, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	return p.dimensions
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	return p.model
}

// modelDimensions returns the embedding dimensions for known Voyage models.
func modelDimensions(model string) int {
	switch {
	case strings.Contains(model, "voyage-3-large"):
		return 2048
	case strings.Contains(model, "voyage-3"):
		return 1024
	case strings.Contains(model, "voyage-2"):
		return 1024
	default:
		return 1024
	}
}
