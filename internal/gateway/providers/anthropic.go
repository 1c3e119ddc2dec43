package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	anthropicBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 4096
)

// AnthropicProvider handles Anthropic Claude API requests
type AnthropicProvider struct {
	cfg        Config
	apiKey     string
	httpClient *http.Client
}

// AnthropicRequest represents a request to Anthropic's Messages API
type AnthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []AnthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Stream    bool               `json:"stream,omitempty"`
}

// AnthropicMessage represents a message in Anthropic format
type AnthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AnthropicResponse represents a response from Anthropic's API
type AnthropicResponse struct {
	ID      string                  `json:"id"`
	Content []AnthropicContentBlock `json:"content"`
	Model   string                  `json:"model"`
}

// AnthropicContentBlock represents a content block
type AnthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(apiKey string, cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = anthropicBaseURL
	}
	return &AnthropicProvider{
		cfg:        cfg,
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

// Name returns the provider name
func (p *AnthropicProvider) Name() string {
	return p.cfg.Name
}

// Chat makes a Messages API request
func (p *AnthropicProvider) Chat(ctx context.Context, messages []Message, model string) (Result, error) {
	usedModel := p.cfg.model(model)

	ctx, cancel := context.WithTimeout(ctx, p.cfg.timeout())
	defer cancel()

	httpResp, err := p.post(ctx, convertAnthropicRequest(messages, usedModel, false))
	if err != nil {
		return Failure{Provider: p.cfg.Name, Model: usedModel, Error: "Anthropic API error: " + describeError(err)}, nil
	}
	defer httpResp.Body.Close()

	respBody, _ := io.ReadAll(httpResp.Body)

	if httpResp.StatusCode != http.StatusOK {
		return Failure{
			Provider: p.cfg.Name,
			Model:    usedModel,
			Error:    fmt.Sprintf("Anthropic API error (status %d): %s", httpResp.StatusCode, string(respBody)),
		}, nil
	}

	var anthropicResp AnthropicResponse
	if err := json.Unmarshal(respBody, &anthropicResp); err != nil {
		return Failure{Provider: p.cfg.Name, Model: usedModel, Error: fmt.Sprintf("failed to parse Anthropic response: %v", err)}, nil
	}

	var sb strings.Builder
	for _, block := range anthropicResp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	resolved := anthropicResp.Model
	if resolved == "" {
		resolved = usedModel
	}

	return Success{Text: sb.String(), Provider: p.cfg.Name, Model: resolved}, nil
}

// ChatStream makes a streaming Messages API request
func (p *AnthropicProvider) ChatStream(ctx context.Context, messages []Message, model string) (StreamReader, error) {
	usedModel := p.cfg.model(model)

	ctx, cancel := context.WithTimeout(ctx, p.cfg.timeout())
	httpResp, err := p.post(ctx, convertAnthropicRequest(messages, usedModel, true))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("Anthropic streaming API error: %s", describeError(err))
	}

	if httpResp.StatusCode != http.StatusOK {
		defer cancel()
		defer httpResp.Body.Close()
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("Anthropic API error (status %d): %s", httpResp.StatusCode, string(respBody))
	}

	return &anthropicStreamReader{
		reader: bufio.NewReader(httpResp.Body),
		resp:   httpResp,
		cancel: cancel,
	}, nil
}

func (p *AnthropicProvider) post(ctx context.Context, req AnthropicRequest) (*http.Response, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/messages", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	return p.httpClient.Do(httpReq)
}

// convertAnthropicRequest lifts the system prompt out of the turn list
func convertAnthropicRequest(messages []Message, model string, stream bool) AnthropicRequest {
	system, turns := splitSystem(messages)

	req := AnthropicRequest{
		Model:     model,
		Messages:  make([]AnthropicMessage, 0, len(turns)),
		MaxTokens: anthropicMaxTokens,
		System:    system,
		Stream:    stream,
	}
	for _, msg := range turns {
		req.Messages = append(req.Messages, AnthropicMessage{Role: msg.Role, Content: msg.Content})
	}
	return req
}

// anthropicStreamReader wraps the HTTP response for streaming
type anthropicStreamReader struct {
	reader *bufio.Reader
	resp   *http.Response
	cancel context.CancelFunc
}

type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Recv reads the next text delta
func (r *anthropicStreamReader) Recv() (string, error) {
	for {
		line, err := r.reader.ReadString('\n')
		if err != nil {
			return "", err
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		var event anthropicEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &event); err != nil {
			continue
		}

		switch event.Type {
		case "content_block_delta":
			if event.Delta.Text != "" {
				return event.Delta.Text, nil
			}
		case "message_stop":
			return "", io.EOF
		case "error":
			return "", fmt.Errorf("Anthropic stream error: %s", event.Error.Message)
		}
	}
}

// Close closes the stream
func (r *anthropicStreamReader) Close() error {
	defer r.cancel()
	if r.resp != nil && r.resp.Body != nil {
		return r.resp.Body.Close()
	}
	return nil
}
