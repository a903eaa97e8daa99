package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	HTTPClient   *http.Client
}

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	client       *openai.Client
	systemPrompt string
	maxTokens    int
	temperature  float64
	logger       *zap.Logger
}

func NewOpenAIClient(cfg OpenAIConfig, logger *zap.Logger) *OpenAIClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}
	return &OpenAIClient{
		client:       openai.NewClientWithConfig(clientCfg),
		systemPrompt: cfg.SystemPrompt,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
		logger:       logger,
	}
}

// OpenStream starts a streamed completion. The session id is sent as the
// end-user identifier so the provider scopes the conversation to it.
func (c *OpenAIClient) OpenStream(ctx context.Context, req Request) (Stream, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if c.systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: c.systemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Question,
	})

	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:         req.AgentID,
		Messages:      messages,
		MaxTokens:     c.maxTokens,
		Temperature:   float32(c.temperature),
		User:          req.SessionID,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	})
	if err != nil {
		c.logger.Error("Failed to open chat stream",
			zap.Error(err),
			zap.String("session_id", req.SessionID))
		return nil, fmt.Errorf("open chat stream: %w", err)
	}
	return &openAIStream{stream: stream}, nil
}

type openAIStream struct {
	stream    *openai.ChatCompletionStream
	completed bool
}

// Recv skips chunks without content. The usage chunk, or the end of the
// stream when the provider sends none, becomes one EventCompleted.
func (s *openAIStream) Recv() (Event, error) {
	if s.completed {
		return Event{}, io.EOF
	}
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.completed = true
			return Event{Kind: EventCompleted}, nil
		}
		if err != nil {
			return Event{}, err
		}
		if resp.Usage != nil {
			s.completed = true
			return Event{
				Kind: EventCompleted,
				Usage: &Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			}, nil
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		return Event{Kind: EventDelta, Content: resp.Choices[0].Delta.Content}, nil
	}
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}
