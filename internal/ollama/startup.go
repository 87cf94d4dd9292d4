package ollama

import (
	"context"
	"fmt"
	"io"
	"time"
)

// EnsureReady checks that Ollama is running, pulls whichever of the vision
// and embedding models are missing, and loads the vision model so the first
// image description does not pay the cold-load cost. Progress goes to w.
func EnsureReady(ctx context.Context, c *Client, visionModel, embedModel string, w io.Writer) error {
	if !c.IsRunning(ctx) {
		return fmt.Errorf("Ollama is not running at %s. Start it with: ollama serve", c.baseURL)
	}

	installed, err := c.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("listing models: %w", err)
	}

	for _, model := range []string{visionModel, embedModel} {
		if hasModel(installed, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}
		fmt.Fprintf(w, "model %s: pulling...\n", model)
		err := c.PullModel(ctx, model, func(p PullProgress) {
			if p.Total > 0 {
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, float64(p.Completed)/float64(p.Total)*100)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}

	warmCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	if _, err := c.Chat(warmCtx, visionModel, []Message{{Role: "user", Content: "ping"}}); err != nil {
		fmt.Fprintf(w, "model %s: warm-up failed (non-fatal): %v\n", visionModel, err)
	} else {
		fmt.Fprintf(w, "model %s: warm\n", visionModel)
	}
	return nil
}
