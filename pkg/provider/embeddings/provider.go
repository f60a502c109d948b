// Package embeddings defines the Provider interface for vector embedding
// backends.
//
// An embeddings provider maps text strings to dense float32 vectors. Donna
// uses these vectors to index ingested emails and to run semantic retrieval
// during calls. All vectors produced by one Provider instance share the same
// dimensionality.
//
// Implementations must be safe for concurrent use.
package embeddings

import (
	"context"
	"errors"
)

// ErrInvalidInput indicates the input text was empty or whitespace-only.
// Not retryable; callers should skip the text.
var ErrInvalidInput = errors.New("embeddings: invalid input")

// ErrUnavailable indicates a transport-level failure talking to the
// embedding backend. Retrieval callers degrade to empty results.
var ErrUnavailable = errors.New("embeddings: unavailable")

// Provider is the abstraction over any text-embedding backend.
//
// Every vector returned has length Dimensions() and contains only finite
// values. Embedding the same text twice yields the same vector (within
// provider determinism). Empty or whitespace-only input fails with
// [ErrInvalidInput]; transport failures surface as [ErrUnavailable].
type Provider interface {
	// Embed computes the embedding vector for a single text string.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embedding vectors for a slice of texts in a single
	// provider call. The returned slice has the same length as texts with the
	// i-th element corresponding to texts[i]. Partial results are not
	// returned — on error the entire slice is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector this provider
	// produces. Constant for the lifetime of the instance.
	Dimensions() int

	// ModelID returns the provider-specific model identifier, for logging.
	ModelID() string
}
