package generation

import (
	"context"
	"fmt"
	"strings"

	"github.com/antoniostano/minghe/internal/apperr"
	"github.com/antoniostano/minghe/internal/memory"
)

// MockGenerator provides deterministic local replies when no backend is configured.
type MockGenerator struct{}

func NewMockGenerator() *MockGenerator { return &MockGenerator{} }

func (g *MockGenerator) Generate(ctx context.Context, prompt Prompt, history []memory.Turn) (string, error) {
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("mock generator: %w: %w", apperr.ErrGeneration, ctx.Err())
	default:
	}
	return buildMockReply(prompt, history), nil
}

func buildMockReply(prompt Prompt, history []memory.Turn) string {
	base := strings.TrimSpace(prompt.User)
	if base == "" {
		base = "我在听。"
	}

	if len(history) == 0 {
		return fmt.Sprintf("我听到了：%s", base)
	}

	last := strings.TrimSpace(history[len(history)-1].Input)
	if last == "" {
		return fmt.Sprintf("我听到了：%s", base)
	}

	return fmt.Sprintf("我听到了：%s\n我也记得你说过：%s", base, last)
}
