package provider_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/parleyhq/parley/internal/provider"
)

type capturedRequest struct {
	Path  string
	Auth  string
	Model string
	Msgs  []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
}

func TestGenerateSendsPromptAsUserMessage(t *testing.T) {
	var got capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Path = r.URL.Path
		got.Auth = r.Header.Get("Authorization")
		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		got.Model = body.Model
		got.Msgs = body.Messages
		fmt.Fprint(w, `{"choices":[{"message":{"content":"hello there"}}]}`)
	}))
	defer srv.Close()

	p := provider.NewOpenAI(srv.URL, "sk-test", "gpt-4o-mini")
	text, err := p.Generate(context.Background(), "system\nUser: hi")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if text != "hello there" {
		t.Errorf("Generate() = %q, want %q", text, "hello there")
	}
	if got.Path != "/chat/completions" {
		t.Errorf("request path = %q, want /chat/completions", got.Path)
	}
	if got.Auth != "Bearer sk-test" {
		t.Errorf("Authorization = %q, want %q", got.Auth, "Bearer sk-test")
	}
	if got.Model != "gpt-4o-mini" {
		t.Errorf("model = %q, want gpt-4o-mini", got.Model)
	}
	if len(got.Msgs) != 1 || got.Msgs[0].Role != "user" || got.Msgs[0].Content != "system\nUser: hi" {
		t.Errorf("messages = %+v, want single user message carrying the prompt", got.Msgs)
	}
}

func TestGenerateNoAuthHeaderWithoutKey(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	p := provider.NewOpenAI(srv.URL, "", "local-model")
	if _, err := p.Generate(context.Background(), "hi"); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if auth != "" {
		t.Errorf("Authorization = %q, want empty for keyless endpoints", auth)
	}
}

func TestGenerateUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := provider.NewOpenAI(srv.URL, "sk-test", "gpt-4o-mini")
	_, err := p.Generate(context.Background(), "hi")
	if err == nil {
		t.Fatal("Generate() error = nil, want upstream status error")
	}
	if !strings.Contains(err.Error(), "status 429") {
		t.Errorf("Generate() error = %v, want status 429 mention", err)
	}
}

func TestGenerateEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	p := provider.NewOpenAI(srv.URL, "sk-test", "gpt-4o-mini")
	text, err := p.Generate(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if text != "" {
		t.Errorf("Generate() = %q, want empty string", text)
	}
}

func TestGenerateCanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"late"}}]}`)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := provider.NewOpenAI(srv.URL, "sk-test", "gpt-4o-mini")
	if _, err := p.Generate(ctx, "hi"); err == nil {
		t.Error("Generate() with canceled context: error = nil, want error")
	}
}
