package generation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/antoniostano/minghe/internal/apperr"
	"github.com/antoniostano/minghe/internal/memory"
	"github.com/antoniostano/minghe/internal/reliability"
)

const (
	defaultModel       = "deepseek-chat"
	defaultTemperature = 0.7
	defaultMaxTokens   = 2000
)

// HTTPGenerator calls an OpenAI-compatible chat completions endpoint.
type HTTPGenerator struct {
	url         string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	stream      bool
	client      *http.Client
	retry       reliability.RetryPolicy
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
	Delta   chatMessage `json:"delta"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("generator http status %d: %s", e.code, e.body)
}

func NewHTTPGenerator(cfg Config) *HTTPGenerator {
	url := strings.TrimSpace(cfg.URL)
	if !strings.HasSuffix(url, "/chat/completions") {
		url = strings.TrimRight(url, "/") + "/chat/completions"
	}
	g := &HTTPGenerator{
		url:         url,
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       strings.TrimSpace(cfg.Model),
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		stream:      cfg.Stream,
		client:      &http.Client{Timeout: 60 * time.Second},
		retry: reliability.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			ShouldRetry: func(err error) bool {
				var se *statusError
				return errors.As(err, &se) && reliability.IsRetryableHTTPStatus(se.code)
			},
		},
	}
	if g.model == "" {
		g.model = defaultModel
	}
	if g.temperature <= 0 {
		g.temperature = defaultTemperature
	}
	if g.maxTokens <= 0 {
		g.maxTokens = defaultMaxTokens
	}
	if cfg.Timeout > 0 {
		g.client.Timeout = cfg.Timeout
	}
	return g
}

func (g *HTTPGenerator) Generate(ctx context.Context, prompt Prompt, history []memory.Turn) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model:       g.model,
		Messages:    buildMessages(prompt, history),
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
		Stream:      g.stream,
	})
	if err != nil {
		return "", apperr.Generation("marshal request: %v", err)
	}

	var text string
	err = reliability.Retry(ctx, g.retry, func(int) error {
		var callErr error
		text, callErr = g.call(ctx, payload)
		return callErr
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("generator: %w: %w", apperr.ErrGeneration, ctx.Err())
		}
		return "", fmt.Errorf("generator: %w: %w", apperr.ErrGeneration, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", apperr.Generation("generator returned an empty reply")
	}
	return text, nil
}

func (g *HTTPGenerator) call(ctx context.Context, payload []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	res, err := g.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", &statusError{code: res.StatusCode, body: strings.TrimSpace(string(body))}
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/event-stream") {
		return consumeStreaming(res.Body)
	}

	var decoded chatResponse
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("response has no choices")
	}
	return decoded.Choices[0].Message.Content, nil
}

// consumeStreaming joins the delta content of a chat completions SSE stream.
func consumeStreaming(body io.Reader) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if line == "[DONE]" {
			break
		}
		var chunk chatResponse
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			return "", fmt.Errorf("decode stream chunk: %w", err)
		}
		for _, c := range chunk.Choices {
			out.WriteString(c.Delta.Content)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("stream read: %w", err)
	}
	return out.String(), nil
}

func buildMessages(prompt Prompt, history []memory.Turn) []chatMessage {
	msgs := make([]chatMessage, 0, 2*len(history)+2)
	if s := strings.TrimSpace(prompt.System); s != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: s})
	}
	for _, t := range history {
		if in := strings.TrimSpace(t.Input); in != "" {
			msgs = append(msgs, chatMessage{Role: "user", Content: in})
		}
		if out := strings.TrimSpace(t.Response); out != "" {
			msgs = append(msgs, chatMessage{Role: "assistant", Content: out})
		}
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: prompt.User})
	return msgs
}
