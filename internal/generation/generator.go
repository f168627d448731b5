package generation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/minghe/internal/memory"
)

// Prompt is the composed input for one reply.
type Prompt struct {
	System string `json:"system"`
	User   string `json:"user"`
}

// Generator produces reply text. Failures wrap apperr.ErrGeneration.
type Generator interface {
	Generate(ctx context.Context, prompt Prompt, history []memory.Turn) (string, error)
}

// Config controls generator construction.
type Config struct {
	Mode        string
	URL         string
	FallbackURL string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	Stream      bool
}

func NewGenerator(cfg Config) (Generator, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.URL) != "" {
			return newHTTPChain(cfg), nil
		}
		return NewMockGenerator(), nil
	case "http":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, fmt.Errorf("generator url is required for http mode")
		}
		return newHTTPChain(cfg), nil
	case "mock":
		return NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unsupported generator mode %q", cfg.Mode)
	}
}

// newHTTPChain prefers cfg.URL and fails over to cfg.FallbackURL when set.
func newHTTPChain(cfg Config) Generator {
	primary := NewHTTPGenerator(cfg)
	if strings.TrimSpace(cfg.FallbackURL) == "" {
		return primary
	}
	secondary := cfg
	secondary.URL = cfg.FallbackURL
	return NewFallbackGenerator(primary, NewHTTPGenerator(secondary))
}
