// Package mock provides a test double for the embeddings.Provider interface.
//
// The mock produces deterministic vectors derived from the input text, so
// retrieval tests can rely on embed-then-search round trips without a live
// backend. Set Err to inject failures.
package mock

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/donnalabs/donna/pkg/provider/embeddings"
)

// Provider is a mock implementation of embeddings.Provider.
// The zero value produces 1024-dimensional vectors.
type Provider struct {
	mu sync.Mutex

	// Dims is the vector dimension. Zero means 1024.
	Dims int

	// Err, if non-nil, is returned by Embed and EmbedBatch.
	Err error

	// EmbedCalls records every text passed to Embed or EmbedBatch, in order.
	EmbedCalls []string
}

var _ embeddings.Provider = (*Provider)(nil)

func (p *Provider) dims() int {
	if p.Dims == 0 {
		return 1024
	}
	return p.Dims
}

// Embed returns a deterministic unit-independent vector derived from text.
// Identical texts yield identical vectors.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.EmbedCalls = append(p.EmbedCalls, text)
	err := p.Err
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, embeddings.ErrInvalidInput
	}
	return vectorFor(text, p.dims()), nil
}

// EmbedBatch embeds each text via the same derivation as Embed.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.dims() }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return "mock-embedder" }

// vectorFor spreads word hashes across the vector so that texts sharing
// words land closer together than unrelated texts.
func vectorFor(text string, dims int) []float32 {
	vec := make([]float32, dims)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		idx := int(h.Sum32()) % dims
		if idx < 0 {
			idx += dims
		}
		vec[idx] += 1
	}
	return vec
}
