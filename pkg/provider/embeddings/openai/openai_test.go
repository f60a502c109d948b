package openai

import (
	"context"
	"errors"
	"testing"

	"github.com/donnalabs/donna/pkg/provider/embeddings"
)

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New("", ""); err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_DefaultModel(t *testing.T) {
	p, err := New("key", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.ModelID() != DefaultModel {
		t.Errorf("expected %q, got %q", DefaultModel, p.ModelID())
	}
	if p.Dimensions() != 1536 {
		t.Errorf("expected 1536 dimensions, got %d", p.Dimensions())
	}
}

func TestNew_DimensionsOverride(t *testing.T) {
	p, err := New("key", "custom-embedder", WithDimensions(1024))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Dimensions() != 1024 {
		t.Errorf("expected 1024 dimensions, got %d", p.Dimensions())
	}
}

func TestEmbed_EmptyInput(t *testing.T) {
	p, _ := New("key", "")
	_, err := p.Embed(context.Background(), "  \t ")
	if !errors.Is(err, embeddings.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestEmbedBatch_EmptyElement(t *testing.T) {
	p, _ := New("key", "")
	_, err := p.EmbedBatch(context.Background(), []string{"fine", ""})
	if !errors.Is(err, embeddings.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}
