package oracle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sourcebruh/photosearch/internal/ollama"
)

var _ Oracle = (*Ollama)(nil)

// Ollama runs descriptions and embeddings against a local Ollama instance.
type Ollama struct {
	client      *ollama.Client
	visionModel string
	embedModel  string
}

// NewOllama creates an Ollama oracle.
func NewOllama(baseURL, visionModel, embedModel string) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if visionModel == "" {
		visionModel = "llava"
	}
	if embedModel == "" {
		embedModel = "nomic-embed-text"
	}
	return &Ollama{client: ollama.New(baseURL), visionModel: visionModel, embedModel: embedModel}
}

func (o *Ollama) Describe(ctx context.Context, image []byte, _ string) (string, error) {
	out, err := o.client.Chat(ctx, o.visionModel, []ollama.Message{ollama.ImageMessage(DescribePrompt, image)})
	if err != nil {
		return "", fmt.Errorf("describing image: %w", ollamaError(ctx, err))
	}
	return strings.TrimSpace(out), nil
}

func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, nil
	}
	vec, err := o.client.Embed(ctx, o.embedModel, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", ollamaError(ctx, err))
	}
	return vec, nil
}

// EnsureReady pulls and warms the configured models.
func (o *Ollama) EnsureReady(ctx context.Context, w io.Writer) error {
	return ollama.EnsureReady(ctx, o.client, o.visionModel, o.embedModel, w)
}

func ollamaError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var se *ollama.StatusError
	if errors.As(err, &se) {
		if se.Temporary() {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if se.Code == 404 {
			return fmt.Errorf("%w: %v", ErrNotConfigured, err)
		}
		return err
	}
	// Anything else from the client is a transport failure.
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
