package generation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/antoniostano/minghe/internal/apperr"
	"github.com/antoniostano/minghe/internal/memory"
)

func TestNewGeneratorAutoFallsBackToMock(t *testing.T) {
	g, err := NewGenerator(Config{Mode: "auto"})
	if err != nil {
		t.Fatalf("NewGenerator() error = %v", err)
	}
	text, err := g.Generate(context.Background(), Prompt{User: "你好"}, nil)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !strings.Contains(text, "我听到了：你好") {
		t.Fatalf("unexpected response text: %q", text)
	}
}

func TestNewGeneratorRejectsUnknownMode(t *testing.T) {
	if _, err := NewGenerator(Config{Mode: "telepathy"}); err == nil {
		t.Fatalf("NewGenerator() expected error for unknown mode")
	}
	if _, err := NewGenerator(Config{Mode: "http"}); err == nil {
		t.Fatalf("NewGenerator() expected error for http mode without url")
	}
}

func TestMockRemembersLastTurn(t *testing.T) {
	text, err := NewMockGenerator().Generate(context.Background(), Prompt{User: "今天好多了"},
		[]memory.Turn{{Input: "昨天睡不着"}})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !strings.Contains(text, "昨天睡不着") {
		t.Fatalf("text = %q, want it to mention the previous turn", text)
	}
}

func TestHTTPGeneratorSendsHistoryAndKey(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":" 我在这里陪着你。 "}}]}`))
	}))
	defer srv.Close()

	g := NewHTTPGenerator(Config{URL: srv.URL + "/v1", APIKey: "sk-test"})
	text, err := g.Generate(context.Background(), Prompt{System: "sys", User: "now"},
		[]memory.Turn{{Input: "before", Response: "reply"}})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if text != "我在这里陪着你。" {
		t.Fatalf("text = %q", text)
	}
	roles := make([]string, 0, len(got.Messages))
	for _, m := range got.Messages {
		roles = append(roles, m.Role)
	}
	if strings.Join(roles, ",") != "system,user,assistant,user" {
		t.Fatalf("roles = %v", roles)
	}
	if got.Model != defaultModel {
		t.Fatalf("model = %q, want %q", got.Model, defaultModel)
	}
}

func TestHTTPGeneratorConsumesStream(t *testing.T) {
	stream := strings.NewReader(strings.Join([]string{
		": keepalive",
		"",
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		"",
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		"",
		"data: [DONE]",
		"",
	}, "\n"))
	text, err := consumeStreaming(stream)
	if err != nil {
		t.Fatalf("consumeStreaming() error = %v", err)
	}
	if text != "Hello" {
		t.Fatalf("text = %q, want %q", text, "Hello")
	}
}

func TestHTTPGeneratorRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	g := NewHTTPGenerator(Config{URL: srv.URL})
	g.retry.BaseDelay = 1
	text, err := g.Generate(context.Background(), Prompt{User: "x"}, nil)
	if err != nil || text != "ok" {
		t.Fatalf("Generate() = (%q, %v), want ok", text, err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestHTTPGeneratorErrorsWrapGeneration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewHTTPGenerator(Config{URL: srv.URL}).Generate(context.Background(), Prompt{User: "x"}, nil)
	if !errors.Is(err, apperr.ErrGeneration) {
		t.Fatalf("error = %v, want ErrGeneration", err)
	}
}

type errGenerator struct{}

func (errGenerator) Generate(context.Context, Prompt, []memory.Turn) (string, error) {
	return "", apperr.Generation("down")
}

type okGenerator struct{ text string }

func (g okGenerator) Generate(context.Context, Prompt, []memory.Turn) (string, error) {
	return g.text, nil
}

type cancelGenerator struct{}

func (cancelGenerator) Generate(context.Context, Prompt, []memory.Turn) (string, error) {
	return "", context.Canceled
}

type countingGenerator struct{ calls int }

func (g *countingGenerator) Generate(context.Context, Prompt, []memory.Turn) (string, error) {
	g.calls++
	return "fallback", nil
}

func TestFallbackGeneratorUsesFallback(t *testing.T) {
	g := NewFallbackGenerator(errGenerator{}, okGenerator{text: "fallback"})
	text, err := g.Generate(context.Background(), Prompt{User: "x"}, nil)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if text != "fallback" {
		t.Fatalf("text = %q, want fallback", text)
	}
}

func TestFallbackGeneratorSkipsFallbackOnCanceledContext(t *testing.T) {
	fb := &countingGenerator{}
	g := NewFallbackGenerator(cancelGenerator{}, fb)
	_, err := g.Generate(context.Background(), Prompt{User: "x"}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if fb.calls != 0 {
		t.Fatalf("fallback should not be called, calls = %d", fb.calls)
	}
}
