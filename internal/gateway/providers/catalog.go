package providers

import (
	"sort"

	"github.com/jexi-app/llm-router/internal/shared/config"
)

// Spec describes how to build adapters for one provider
type Spec struct {
	Factory  Factory
	Config   Config
	Priority int
}

// Catalog maps provider names to their adapter specs
type Catalog map[string]Spec

type builtin struct {
	factory      Factory
	baseURL      string
	defaultModel string
}

var builtins = map[string]builtin{
	"groq":        {NewOpenAICompatProvider, "https://api.groq.com/openai/v1", "llama-3.3-70b-versatile"},
	"cerebras":    {NewOpenAICompatProvider, "https://api.cerebras.ai/v1", "llama3.1-8b"},
	"sambanova":   {NewOpenAICompatProvider, "https://api.sambanova.ai/v1", "Meta-Llama-3.1-8B-Instruct"},
	"gemini":      {NewGeminiProvider, geminiBaseURL, "gemini-1.5-flash"},
	"nvidia":      {NewOpenAICompatProvider, "https://integrate.api.nvidia.com/v1", "meta/llama-3.1-8b-instruct"},
	"cloudflare":  {NewCloudflareProvider, cloudflareBaseURL, "@cf/meta/llama-3.1-8b-instruct"},
	"cohere":      {NewOpenAICompatProvider, "https://api.cohere.ai/compatibility/v1", "command-r-plus"},
	"openrouter":  {NewOpenAICompatProvider, "https://openrouter.ai/api/v1", "meta-llama/llama-3-8b-instruct:free"},
	"huggingface": {NewOpenAICompatProvider, "https://router.huggingface.co/v1", "meta-llama/Llama-3.1-8B-Instruct"},
	"anthropic":   {NewAnthropicProvider, anthropicBaseURL, "claude-3-5-haiku-20241022"},
}

// DefaultCatalog builds the catalog from the configured provider table.
// Entries without a built-in adapter use the OpenAI-compatible one when a
// base URL is configured and are left out otherwise.
func DefaultCatalog(cfg *config.Config) Catalog {
	catalog := make(Catalog, len(cfg.Providers))

	for _, p := range cfg.Providers {
		b, known := builtins[p.Name]
		if !known {
			if p.BaseURL == "" {
				continue
			}
			b = builtin{factory: NewOpenAICompatProvider}
		}

		pc := Config{
			Name:         p.Name,
			BaseURL:      b.baseURL,
			DefaultModel: b.defaultModel,
			Timeout:      cfg.ProviderTimeout,
		}
		if p.BaseURL != "" {
			pc.BaseURL = p.BaseURL
		}
		if p.DefaultModel != "" {
			pc.DefaultModel = p.DefaultModel
		}
		if p.Timeout > 0 {
			pc.Timeout = p.Timeout
		}
		if p.Name == "cloudflare" {
			pc.AccountID = cfg.CloudflareAccountID
		}

		catalog[p.Name] = Spec{Factory: b.factory, Config: pc, Priority: p.Priority}
	}

	return catalog
}

// Lookup returns the spec for name
func (c Catalog) Lookup(name string) (Spec, bool) {
	s, ok := c[name]
	return s, ok
}

// Build creates an adapter for name bound to apiKey
func (c Catalog) Build(name, apiKey string) (Provider, bool) {
	s, ok := c[name]
	if !ok || s.Factory == nil {
		return nil, false
	}
	return s.Factory(apiKey, s.Config), true
}

// Names returns catalog entries ordered by priority, then name
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		pi, pj := c[names[i]].Priority, c[names[j]].Priority
		if pi != pj {
			return pi < pj
		}
		return names[i] < names[j]
	})
	return names
}
