package oracle

import (
	"context"
	"testing"
)

type countingOracle struct {
	embeds int
}

func (c *countingOracle) Describe(context.Context, []byte, string) (string, error) { return "d", nil }

func (c *countingOracle) Embed(context.Context, string) ([]float32, error) {
	c.embeds++
	return []float32{1}, nil
}

func TestInstrument_EmptyTextSkipsBackend(t *testing.T) {
	inner := &countingOracle{}
	o := Instrument(inner)
	vec, err := o.Embed(context.Background(), "")
	if err != nil || vec != nil {
		t.Errorf("Embed(\"\") = %v, %v; want nil, nil", vec, err)
	}
	if inner.embeds != 0 {
		t.Errorf("backend called %d times, want 0", inner.embeds)
	}
	if _, err := o.Embed(context.Background(), "x"); err != nil || inner.embeds != 1 {
		t.Errorf("Embed(x): err=%v calls=%d", err, inner.embeds)
	}
}

func TestNew_SelectsBackend(t *testing.T) {
	for _, backend := range []string{"", BackendGemini, BackendOllama} {
		if _, err := New(Options{Backend: backend}); err != nil {
			t.Errorf("New(%q): %v", backend, err)
		}
	}
	if _, err := New(Options{Backend: "openai"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}
