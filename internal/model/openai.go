package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI invokes a chat completion model through an OpenAI compatible API.
type OpenAI struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
}

func NewOpenAI(s Settings) (*OpenAI, error) {
	if s.APIKey == "" && s.BaseURL == "" {
		return nil, errors.New("openai provider requires an api key")
	}
	cfg := openai.DefaultConfig(s.APIKey)
	if s.BaseURL != "" {
		cfg.BaseURL = s.BaseURL
	}
	name := s.Model
	if name == "" {
		name = openai.GPT4o
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), model: name, maxTokens: s.MaxTokens, temperature: s.Temperature}, nil
}

func newOpenAIFromSettings(s Settings) (Invoker, error) {
	return NewOpenAI(s)
}

func (o *OpenAI) Invoke(ctx context.Context, req Request) (Response, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(req.Agent)},
	}
	user := req.Prompt
	if strings.TrimSpace(req.RepositoryContext) != "" {
		user += "\n\n## Repository context\n\n" + req.RepositoryContext
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: user})
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    messages,
		MaxTokens:   o.maxTokens,
		Temperature: o.temperature,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Response{}, ctxErr
		}
		return Response{Success: false, ErrorMessage: err.Error(), Transient: isTransient(err)}, nil
	}
	if len(resp.Choices) == 0 {
		return Response{Success: false, ErrorMessage: "model returned no choices"}, nil
	}
	return Response{
		Success: true,
		Content: resp.Choices[0].Message.Content,
		TokenUsage: TokenUsage{
			Prompt:     resp.Usage.PromptTokens,
			Completion: resp.Usage.CompletionTokens,
			Total:      resp.Usage.TotalTokens,
		},
	}, nil
}

func systemPrompt(agent string) string {
	return fmt.Sprintf("You are the %s agent of a software delivery pipeline. Answer only with the requested artifact.", agent)
}

func isTransient(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return true
}
