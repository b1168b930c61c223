package openrouter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"piper-nodes/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func completion(content string) map[string]any {
	return map[string]any{
		"id":    "gen-1",
		"model": "qwen/qwen3-vl-8b-instruct",
		"choices": []map[string]any{
			{"index": 0, "message": map[string]any{"role": "assistant", "content": content}},
		},
		"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 34, "total_tokens": 46},
	}
}

func TestGenerateSuccess(t *testing.T) {
	var captured struct {
		Authorization string
		Referer       string
		Path          string
		Body          map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		captured.Referer = r.Header.Get("HTTP-Referer")
		captured.Path = r.URL.Path
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completion("Paris"))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := client.Generate(context.Background(), llm.Request{Instructions: "Be brief", Question: "Capital of France?"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Answer != "Paris" {
		t.Fatalf("unexpected answer: %+v", resp)
	}
	if resp.Usage == nil || resp.Usage.PromptTokens != 12 || resp.Usage.CompletionTokens != 34 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
	if captured.Authorization != "Bearer test" {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	if captured.Referer != defaultReferer {
		t.Fatalf("referer header missing: %q", captured.Referer)
	}
	if captured.Path != "/chat/completions" {
		t.Fatalf("unexpected path %q", captured.Path)
	}
	if captured.Body["model"] != DefaultModel {
		t.Fatalf("model field missing in request: %v", captured.Body["model"])
	}
	messages, _ := captured.Body["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected system and user messages, got %d", len(messages))
	}
}

func TestGenerateJSONMode(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completion(`{"ok":true}`))
	}))
	defer srv.Close()

	client, _ := NewClient(Config{APIKey: "test", BaseURL: srv.URL})
	if _, err := client.Generate(context.Background(), llm.Request{Model: "openai/gpt-4o", Question: "q", JSON: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	format, _ := body["response_format"].(map[string]any)
	if format["type"] != "json_object" {
		t.Fatalf("expected json_object response format, got %v", body["response_format"])
	}
	if body["model"] != "openai/gpt-4o" {
		t.Fatalf("request model should override default, got %v", body["model"])
	}
}

func TestGenerateInlinesImage(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/cat.png" {
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("png"))
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completion("a cat"))
	}))
	defer srv.Close()

	client, _ := NewClient(Config{APIKey: "test", BaseURL: srv.URL})
	if _, err := client.Generate(context.Background(), llm.Request{Question: "what is it?", ImageURL: srv.URL + "/cat.png"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	encoded, _ := json.Marshal(body["messages"])
	if !strings.Contains(string(encoded), "data:image/png;base64,cG5n") {
		t.Fatalf("image was not inlined: %s", encoded)
	}
}

func TestImageDownloadOmitsAttributionHeaders(t *testing.T) {
	var imageHeaders http.Header
	images := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		imageHeaders = r.Header.Clone()
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png"))
	}))
	defer images.Close()

	var apiReferer string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiReferer = r.Header.Get("HTTP-Referer")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completion("a cat"))
	}))
	defer api.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: api.URL, Referer: "https://app.example", Title: "Example"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := client.Generate(context.Background(), llm.Request{Question: "what is it?", ImageURL: images.URL + "/cat.png"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if apiReferer != "https://app.example" {
		t.Fatalf("api request lost referer: %q", apiReferer)
	}
	if imageHeaders == nil {
		t.Fatal("image host was not contacted")
	}
	for _, name := range []string{"HTTP-Referer", "X-Title", "Authorization"} {
		if v := imageHeaders.Get(name); v != "" {
			t.Fatalf("image host received %s: %q", name, v)
		}
	}
}

func TestGenerateHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"message":"Insufficient credits","code":402}}`))
	}))
	defer srv.Close()

	client, _ := NewClient(Config{APIKey: "test", BaseURL: srv.URL})
	_, err := client.Generate(context.Background(), llm.Request{Question: "q"})
	if err == nil || !strings.Contains(err.Error(), "Insufficient credits") {
		t.Fatalf("expected provider message in error, got %v", err)
	}
}

func TestGenerateEmptyAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completion("  "))
	}))
	defer srv.Close()

	client, _ := NewClient(Config{APIKey: "test", BaseURL: srv.URL})
	if _, err := client.Generate(context.Background(), llm.Request{Question: "q"}); err == nil {
		t.Fatalf("expected error for empty answer")
	}
}
