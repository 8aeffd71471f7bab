package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/AnTengye/contractbill/config"
	"github.com/AnTengye/contractbill/extract"
	"github.com/AnTengye/contractbill/pkg/logger"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ChatBackend extracts clauses through an OpenAI-compatible chat
// completions endpoint. APIURL selects the provider.
type ChatBackend struct {
	model       string
	temperature float64
	maxTokens   int
	client      openai.Client
}

func NewChatBackend(cfg *config.LLMConfig) *ChatBackend {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}),
	}
	if cfg.APIURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(cfg.APIURL, "/")+"/"))
	}
	return &ChatBackend{
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		client:      openai.NewClient(opts...),
	}
}

// Extract never returns an error: every failure becomes Unavailable so the
// caller falls back to pattern extraction.
func (b *ChatBackend) Extract(ctx context.Context, text string) extract.LLMOutcome {
	content, err := b.complete(ctx, text)
	if err != nil {
		logger.Warn(ctx, "llm extraction unavailable", "model", b.model, "error", err)
		return extract.Unavailable(err.Error())
	}
	clauses, err := extract.ParseResponse(content)
	if err != nil {
		return extract.Unavailable(err.Error())
	}
	logger.Info(ctx, "llm extraction complete", "model", b.model, "clauses", len(clauses))
	return extract.Extracted(clauses)
}

func (b *ChatBackend) complete(ctx context.Context, text string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(b.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(extract.SystemPrompt),
			openai.UserMessage(extract.BuildPrompt(text)),
		},
		Temperature: openai.Float(b.temperature),
	}
	if b.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(b.maxTokens))
	}

	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("api status %d: %w", apiErr.StatusCode, err)
		}
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("api returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
