package ai

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Embedder provides embeddings for text.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	// EmbedTexts embeds a batch, preserving input order. It either returns
	// one vector per input or an error; never a partial result.
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the vector width this embedder produces.
	Dimensions() int
}

const (
	embedSubBatchSize = 32
	embedConcurrency  = 4
)

// OllamaEmbedder wraps Ollama embedding calls with a fixed model and
// dimension. The first successful call probes the model and verifies the
// dimension matches; probe failures are returned but not cached, so a
// transient startup error does not poison later calls.
type OllamaEmbedder struct {
	client     *OllamaClient
	model      string
	dimensions int

	mu     sync.Mutex
	warmed bool
}

// NewOllamaEmbedder builds an Ollama-based embedder.
func NewOllamaEmbedder(client *OllamaClient, model string, dimensions int) *OllamaEmbedder {
	return &OllamaEmbedder{client: client, model: model, dimensions: dimensions}
}

func (e *OllamaEmbedder) Dimensions() int {
	return e.dimensions
}

func (e *OllamaEmbedder) warm(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.warmed {
		return nil
	}
	vec, err := e.client.EmbedText(ctx, e.model, "warmup", e.dimensions)
	if err != nil {
		return fmt.Errorf("embedding model probe: %w", err)
	}
	if e.dimensions > 0 && len(vec) != e.dimensions {
		return fmt.Errorf("embedding model %s produces %d dimensions, want %d", e.model, len(vec), e.dimensions)
	}
	e.warmed = true
	return nil
}

// EmbedText returns the embedding for one text.
func (e *OllamaEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if err := e.warm(ctx); err != nil {
		return nil, err
	}
	return e.client.EmbedText(ctx, e.model, text, e.dimensions)
}

// EmbedTexts embeds texts in bounded-parallel sub-batches. Input order is
// preserved; any sub-batch failure fails the whole call.
func (e *OllamaEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if err := e.warm(ctx); err != nil {
		return nil, err
	}

	results := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)
	for start := 0; start < len(texts); start += embedSubBatchSize {
		end := start + embedSubBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		start, end := start, end
		g.Go(func() error {
			vecs, err := e.client.EmbedTexts(gctx, e.model, texts[start:end], e.dimensions)
			if err != nil {
				return fmt.Errorf("embed batch [%d:%d]: %w", start, end, err)
			}
			for i, vec := range vecs {
				if e.dimensions > 0 && len(vec) != e.dimensions {
					return fmt.Errorf("embed batch [%d:%d]: vector %d has %d dimensions, want %d", start, end, i, len(vec), e.dimensions)
				}
				results[start+i] = vec
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
