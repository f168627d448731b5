package generation

import (
	"context"
	"errors"
	"fmt"

	"github.com/antoniostano/minghe/internal/apperr"
	"github.com/antoniostano/minghe/internal/memory"
)

// FallbackGenerator attempts a primary generator first and falls back on error.
type FallbackGenerator struct {
	primary  Generator
	fallback Generator
}

func NewFallbackGenerator(primary, fallback Generator) *FallbackGenerator {
	return &FallbackGenerator{primary: primary, fallback: fallback}
}

// Primary returns the preferred generator used before fallback.
func (g *FallbackGenerator) Primary() Generator {
	if g == nil {
		return nil
	}
	return g.primary
}

func (g *FallbackGenerator) Generate(ctx context.Context, prompt Prompt, history []memory.Turn) (string, error) {
	if g == nil || g.primary == nil {
		if g != nil && g.fallback != nil {
			return g.fallback.Generate(ctx, prompt, history)
		}
		return "", apperr.Generation("fallback generator misconfigured")
	}
	text, err := g.primary.Generate(ctx, prompt, history)
	if err == nil {
		return text, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "", err
	}
	if g.fallback == nil {
		return "", err
	}
	text, fallbackErr := g.fallback.Generate(ctx, prompt, history)
	if fallbackErr != nil {
		return "", fmt.Errorf("primary generator error: %w; fallback generator error: %v", err, fallbackErr)
	}
	return text, nil
}
