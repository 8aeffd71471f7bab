package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AnTengye/contractbill/config"
	"github.com/AnTengye/contractbill/extract"
	"github.com/AnTengye/contractbill/model"
)

func chatServer(t *testing.T, status int, reply string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Error("Expected bearer api key")
		}
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
			Temperature float64 `json:"temperature"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Bad request body: %v", err)
		}
		if len(req.Messages) != 2 || req.Messages[0].Content != extract.SystemPrompt {
			t.Errorf("Unexpected messages %+v", req.Messages)
		}
		if !strings.Contains(req.Messages[1].Content, "Rate: $150 per hour") {
			t.Error("Expected contract text in user prompt")
		}
		if req.Model != "gpt-4o-mini" || req.Temperature != 0.1 {
			t.Errorf("Expected gpt-4o-mini at temperature 0.1, got %s %v", req.Model, req.Temperature)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(server.Close)
	return server
}

func testChatBackend(url string) *ChatBackend {
	return NewChatBackend(&config.LLMConfig{
		APIURL:         url + "/v1",
		APIKey:         "sk-test",
		Model:          "gpt-4o-mini",
		Temperature:    0.1,
		TimeoutSeconds: 5,
	})
}

func completion(content string) string {
	b, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{"index": 0, "finish_reason": "stop", "message": map[string]string{"role": "assistant", "content": content}}},
	})
	return string(b)
}

func TestChatBackendExtract(t *testing.T) {
	content := "Here you go:\n```json\n[{\"type\":\"rate_card\",\"description\":\"Hourly rate\"," +
		"\"extracted_text\":\"Rate: $150 per hour\",\"value\":150,\"unit\":\"hour\",\"confidence\":0.92," +
		"\"requires_cfo_approval\":false}]\n```"
	server := chatServer(t, http.StatusOK, completion(content))

	outcome := testChatBackend(server.URL).Extract(context.Background(), "Rate: $150 per hour")
	if !outcome.Available() {
		t.Fatalf("Expected clauses, got unavailable: %s", outcome.Reason)
	}
	if len(outcome.Clauses) != 1 {
		t.Fatalf("Expected 1 clause, got %d", len(outcome.Clauses))
	}
	c := outcome.Clauses[0]
	if c.Type != model.ClauseRateCard || c.Value != "150" || c.ConfidenceOr(0) != 0.92 {
		t.Errorf("Unexpected clause %+v", c)
	}
}

func TestChatBackendUnavailable(t *testing.T) {
	tests := []struct {
		name   string
		status int
		reply  string
	}{
		{"api error", http.StatusUnauthorized, `{"error":{"message":"invalid key","type":"auth"}}`},
		{"bad status", http.StatusBadGateway, `{}`},
		{"no choices", http.StatusOK, `{"choices":[]}`},
		{"not json", http.StatusOK, `<html>`},
		{"no array", http.StatusOK, completion("I could not find any clauses.")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := chatServer(t, tt.status, tt.reply)
			outcome := testChatBackend(server.URL).Extract(context.Background(), "Rate: $150 per hour")
			if outcome.Available() {
				t.Error("Expected unavailable outcome")
			}
			if outcome.Reason == "" {
				t.Error("Expected a reason")
			}
		})
	}
}

func TestChatBackendFallsBackThroughExtractor(t *testing.T) {
	backend := testChatBackend("http://127.0.0.1:1")
	ex := extract.NewExtractor(extract.WithBackend(backend))

	clauses, source := ex.Clauses(context.Background(), "Rate: $150 per hour")
	if source != extract.SourceRegex {
		t.Errorf("Expected regex fallback, got %s", source)
	}
	if len(clauses) == 0 {
		t.Error("Expected regex clauses")
	}
}
