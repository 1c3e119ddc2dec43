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

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiProvider handles Google Gemini API requests
type GeminiProvider struct {
	cfg        Config
	apiKey     string
	httpClient *http.Client
}

// GeminiRequest represents a request to Gemini's API
type GeminiRequest struct {
	Contents          []GeminiContent `json:"contents"`
	SystemInstruction *GeminiContent  `json:"systemInstruction,omitempty"`
}

// GeminiContent represents content in Gemini format
type GeminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GeminiPart `json:"parts"`
}

// GeminiPart represents a part of the content
type GeminiPart struct {
	Text string `json:"text"`
}

// GeminiResponse represents a response from Gemini API
type GeminiResponse struct {
	Candidates   []GeminiCandidate `json:"candidates"`
	ModelVersion string            `json:"modelVersion"`
}

// GeminiCandidate represents a candidate response
type GeminiCandidate struct {
	Content      GeminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

// NewGeminiProvider creates a new Gemini provider
func NewGeminiProvider(apiKey string, cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = geminiBaseURL
	}
	return &GeminiProvider{
		cfg:        cfg,
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

// Name returns the provider name
func (p *GeminiProvider) Name() string {
	return p.cfg.Name
}

// Chat makes a generateContent request to Gemini
func (p *GeminiProvider) Chat(ctx context.Context, messages []Message, model string) (Result, error) {
	usedModel := p.cfg.model(model)

	ctx, cancel := context.WithTimeout(ctx, p.cfg.timeout())
	defer cancel()

	url := fmt.Sprintf("%s/models/%s:generateContent", p.cfg.BaseURL, usedModel)
	resp, err := p.post(ctx, url, messages)
	if err != nil {
		return Failure{Provider: p.cfg.Name, Model: usedModel, Error: "Gemini API error: " + describeError(err)}, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return Failure{
			Provider: p.cfg.Name,
			Model:    usedModel,
			Error:    fmt.Sprintf("Gemini API error (status %d): %s", resp.StatusCode, string(body)),
		}, nil
	}

	var geminiResp GeminiResponse
	if err := json.Unmarshal(body, &geminiResp); err != nil {
		return Failure{Provider: p.cfg.Name, Model: usedModel, Error: fmt.Sprintf("failed to parse Gemini response: %v", err)}, nil
	}

	resolved := geminiResp.ModelVersion
	if resolved == "" {
		resolved = usedModel
	}

	return Success{Text: geminiResp.text(), Provider: p.cfg.Name, Model: resolved}, nil
}

// ChatStream makes a streamGenerateContent request with SSE output
func (p *GeminiProvider) ChatStream(ctx context.Context, messages []Message, model string) (StreamReader, error) {
	usedModel := p.cfg.model(model)

	ctx, cancel := context.WithTimeout(ctx, p.cfg.timeout())
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", p.cfg.BaseURL, usedModel)
	resp, err := p.post(ctx, url, messages)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("Gemini streaming API error: %s", describeError(err))
	}

	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("Gemini API error (status %d): %s", resp.StatusCode, string(body))
	}

	return &geminiStreamReader{
		reader: bufio.NewReader(resp.Body),
		resp:   resp,
		cancel: cancel,
	}, nil
}

func (p *GeminiProvider) post(ctx context.Context, url string, messages []Message) (*http.Response, error) {
	reqBody, err := json.Marshal(convertGeminiRequest(messages))
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	return p.httpClient.Do(httpReq)
}

// convertGeminiRequest maps chat turns to Gemini contents; assistant becomes
// "model" and the system prompt moves to systemInstruction
func convertGeminiRequest(messages []Message) GeminiRequest {
	system, turns := splitSystem(messages)

	req := GeminiRequest{Contents: make([]GeminiContent, 0, len(turns))}
	if system != "" {
		req.SystemInstruction = &GeminiContent{Parts: []GeminiPart{{Text: system}}}
	}

	for _, msg := range turns {
		role := msg.Role
		if role == "assistant" {
			role = "model"
		}
		req.Contents = append(req.Contents, GeminiContent{
			Role:  role,
			Parts: []GeminiPart{{Text: msg.Content}},
		})
	}

	return req
}

func (r GeminiResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, part := range r.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String()
}

// geminiStreamReader wraps the HTTP response for streaming
type geminiStreamReader struct {
	reader *bufio.Reader
	resp   *http.Response
	cancel context.CancelFunc
}

// Recv reads the next non-empty text chunk
func (r *geminiStreamReader) Recv() (string, error) {
	for {
		line, err := r.reader.ReadString('\n')
		if err != nil {
			return "", err
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		dataStr := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var chunk GeminiResponse
		if err := json.Unmarshal([]byte(dataStr), &chunk); err != nil {
			continue
		}

		if text := chunk.text(); text != "" {
			return text, nil
		}
	}
}

// Close closes the stream
func (r *geminiStreamReader) Close() error {
	defer r.cancel()
	if r.resp != nil && r.resp.Body != nil {
		return r.resp.Body.Close()
	}
	return nil
}
