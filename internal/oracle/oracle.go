// Package oracle turns image bytes into text descriptions and text into
// embedding vectors.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcebruh/photosearch/internal/metrics"
)

var (
	// ErrNotConfigured is returned when the backend lacks credentials or the
	// requested model does not exist.
	ErrNotConfigured = errors.New("oracle not configured")
	// ErrUnavailable marks failures where retrying later may succeed.
	ErrUnavailable = errors.New("oracle unavailable")
)

// DescribePrompt is sent along with every image.
const DescribePrompt = "Describe this image concisely for search. Focus on pictograms/infographics/charts. " +
	"Include any readable text, labels, axes, and key entities. Limit to ~80 words."

const (
	BackendGemini = "gemini"
	BackendOllama = "ollama"
)

// Oracle describes images and embeds text.
type Oracle interface {
	// Describe returns a short description of the image. An empty string
	// means the model produced nothing usable.
	Describe(ctx context.Context, image []byte, mime string) (string, error)
	// Embed returns the embedding of text. Empty text yields a nil vector.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Options selects and configures a backend.
type Options struct {
	Backend string

	GeminiAPIKey        string
	GeminiBaseURL       string
	GeminiDescribeModel string
	GeminiEmbedModel    string

	OllamaBaseURL     string
	OllamaVisionModel string
	OllamaEmbedModel  string
}

// New returns the backend named by opts.Backend, wrapped with metrics.
func New(opts Options) (Oracle, error) {
	switch opts.Backend {
	case "", BackendGemini:
		return Instrument(NewGemini(opts.GeminiBaseURL, opts.GeminiAPIKey, opts.GeminiDescribeModel, opts.GeminiEmbedModel)), nil
	case BackendOllama:
		return Instrument(NewOllama(opts.OllamaBaseURL, opts.OllamaVisionModel, opts.OllamaEmbedModel)), nil
	default:
		return nil, fmt.Errorf("unknown oracle backend %q", opts.Backend)
	}
}

type instrumented struct {
	next Oracle
}

// Instrument records call latency and failures for o.
func Instrument(o Oracle) Oracle {
	return instrumented{next: o}
}

func (i instrumented) Describe(ctx context.Context, image []byte, mime string) (string, error) {
	start := time.Now()
	desc, err := i.next.Describe(ctx, image, mime)
	metrics.RecordOracle("describe", time.Since(start).Seconds(), err)
	return desc, err
}

func (i instrumented) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, nil
	}
	start := time.Now()
	vec, err := i.next.Embed(ctx, text)
	metrics.RecordOracle("embed", time.Since(start).Seconds(), err)
	return vec, err
}
