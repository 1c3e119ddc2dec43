package providers

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"
)

// OpenAICompatProvider talks to any OpenAI-compatible chat completions API
// (Groq, Cerebras, SambaNova, NVIDIA, OpenRouter, Cohere compat, HF router)
type OpenAICompatProvider struct {
	cfg    Config
	client *openai.Client
}

// NewOpenAICompatProvider creates a provider bound to apiKey
func NewOpenAICompatProvider(apiKey string, cfg Config) Provider {
	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAICompatProvider{
		cfg:    cfg,
		client: openai.NewClientWithConfig(clientCfg),
	}
}

// Name returns the provider name
func (p *OpenAICompatProvider) Name() string {
	return p.cfg.Name
}

// Chat makes a chat completion request
func (p *OpenAICompatProvider) Chat(ctx context.Context, messages []Message, model string) (Result, error) {
	usedModel := p.cfg.model(model)

	ctx, cancel := context.WithTimeout(ctx, p.cfg.timeout())
	defer cancel()

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    usedModel,
		Messages: toOpenAIMessages(messages),
	})
	if err != nil {
		return p.failure(usedModel, err), nil
	}

	var text string
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}

	resolved := resp.Model
	if resolved == "" {
		resolved = usedModel
	}

	return Success{Text: text, Provider: p.cfg.Name, Model: resolved}, nil
}

// ChatStream creates a streaming chat completion request
func (p *OpenAICompatProvider) ChatStream(ctx context.Context, messages []Message, model string) (StreamReader, error) {
	usedModel := p.cfg.model(model)

	ctx, cancel := context.WithTimeout(ctx, p.cfg.timeout())
	stream, err := p.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    usedModel,
		Messages: toOpenAIMessages(messages),
		Stream:   true,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%s streaming API error: %s", p.cfg.Name, apiErrorText(err))
	}

	return &openAIStreamReader{stream: stream, cancel: cancel}, nil
}

func (p *OpenAICompatProvider) failure(model string, err error) Failure {
	return Failure{
		Provider: p.cfg.Name,
		Model:    model,
		Error:    fmt.Sprintf("%s API error: %s", p.cfg.Name, apiErrorText(err)),
	}
}

// apiErrorText keeps the HTTP status visible so rate limits can be detected
func apiErrorText(err error) string {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("status %d: %s", apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Sprintf("status %d: %s", reqErr.HTTPStatusCode, describeError(reqErr.Err))
	}
	return describeError(err)
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// openAIStreamReader wraps go-openai's stream
type openAIStreamReader struct {
	stream *openai.ChatCompletionStream
	cancel context.CancelFunc
}

// Recv reads the next non-empty delta
func (r *openAIStreamReader) Recv() (string, error) {
	for {
		chunk, err := r.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", errors.New(apiErrorText(err))
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		return chunk.Choices[0].Delta.Content, nil
	}
}

// Close closes the stream
func (r *openAIStreamReader) Close() error {
	r.stream.Close()
	r.cancel()
	return nil
}
