package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const cloudflareBaseURL = "https://api.cloudflare.com/client/v4"

// CloudflareProvider handles Cloudflare Workers AI requests. It has no
// streaming support; the router chunks its completed responses instead.
type CloudflareProvider struct {
	cfg        Config
	apiKey     string
	httpClient *http.Client
}

type cloudflareResponse struct {
	Success bool `json:"success"`
	Result  struct {
		Response string `json:"response"`
	} `json:"result"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// NewCloudflareProvider creates a new Cloudflare provider
func NewCloudflareProvider(apiKey string, cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = cloudflareBaseURL
	}
	return &CloudflareProvider{
		cfg:        cfg,
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

// Name returns the provider name
func (p *CloudflareProvider) Name() string {
	return p.cfg.Name
}

// Chat runs the model through the Workers AI run endpoint
func (p *CloudflareProvider) Chat(ctx context.Context, messages []Message, model string) (Result, error) {
	usedModel := p.cfg.model(model)

	if p.cfg.AccountID == "" {
		return Failure{Provider: p.cfg.Name, Model: usedModel, Error: "Cloudflare account id is not configured"}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.timeout())
	defer cancel()

	reqBody, err := json.Marshal(map[string]interface{}{"messages": messages})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/accounts/%s/ai/run/%s", p.cfg.BaseURL, p.cfg.AccountID, usedModel)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return Failure{Provider: p.cfg.Name, Model: usedModel, Error: "Cloudflare API error: " + describeError(err)}, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return Failure{
			Provider: p.cfg.Name,
			Model:    usedModel,
			Error:    fmt.Sprintf("Cloudflare API error (status %d): %s", resp.StatusCode, string(body)),
		}, nil
	}

	var cfResp cloudflareResponse
	if err := json.Unmarshal(body, &cfResp); err != nil {
		return Failure{Provider: p.cfg.Name, Model: usedModel, Error: fmt.Sprintf("failed to parse Cloudflare response: %v", err)}, nil
	}
	if !cfResp.Success {
		msg := "unsuccessful response"
		if len(cfResp.Errors) > 0 {
			msg = cfResp.Errors[0].Message
		}
		return Failure{Provider: p.cfg.Name, Model: usedModel, Error: "Cloudflare API error: " + msg}, nil
	}

	return Success{Text: cfResp.Result.Response, Provider: p.cfg.Name, Model: usedModel}, nil
}
