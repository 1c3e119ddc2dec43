package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultEncryptionSecret is only meant for local development
const DefaultEncryptionSecret = "change-this-secret-key"

// ProviderSettings describes one upstream provider and its configured keys
type ProviderSettings struct {
	Name         string        `yaml:"name"`
	Priority     int           `yaml:"priority"`
	BaseURL      string        `yaml:"base_url"`
	DefaultModel string        `yaml:"default_model"`
	Timeout      time.Duration `yaml:"timeout"`
	Keys         []string      `yaml:"-"`
}

// Config holds all configuration for the router service
type Config struct {
	// Server
	Port     string
	Env      string
	LogLevel string

	// Database (optional, usage records and shared keys)
	DatabaseURL string

	// Redis (optional, L2 cache and rate limiting)
	RedisURL string

	// Providers in default priority order
	Providers           []ProviderSettings
	CloudflareAccountID string
	ProviderTimeout     time.Duration
	SharedPriority      int

	// Shared key encryption
	EncryptionSecret string

	// Rate Limiting
	HTTPRateLimit int

	// Caching and scheduled jobs
	DefaultCacheTTL    time.Duration
	CacheSweepInterval time.Duration
	KeyResetSchedule   string
}

// defaultProviders is the built-in provider table, lower priority is tried first
var defaultProviders = []ProviderSettings{
	{Name: "groq", Priority: 1},
	{Name: "cerebras", Priority: 2},
	{Name: "sambanova", Priority: 3},
	{Name: "gemini", Priority: 4},
	{Name: "nvidia", Priority: 5},
	{Name: "cloudflare", Priority: 6},
	{Name: "cohere", Priority: 7},
	{Name: "openrouter", Priority: 8},
	{Name: "huggingface", Priority: 9},
	{Name: "anthropic", Priority: 10},
}

// legacyKeyEnv maps providers to older env var names that are still accepted
var legacyKeyEnv = map[string]string{
	"huggingface": "HF_API_KEYS",
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		Env:                 getEnv("ENV", "development"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		RedisURL:            getEnv("REDIS_URL", ""),
		CloudflareAccountID: getEnv("CLOUDFLARE_ACCOUNT_ID", ""),
		ProviderTimeout:     getEnvDuration("PROVIDER_TIMEOUT", 30*time.Second),
		SharedPriority:      getEnvInt("SHARED_PROVIDER_PRIORITY", 100),
		EncryptionSecret:    getEnv("ENCRYPTION_SECRET", getEnv("JWT_SECRET", DefaultEncryptionSecret)),
		HTTPRateLimit:       getEnvInt("HTTP_RATE_LIMIT_PER_MINUTE", 120),
		DefaultCacheTTL:     time.Duration(getEnvInt("DEFAULT_CACHE_TTL_SECONDS", 0)) * time.Second,
		CacheSweepInterval:  getEnvDuration("CACHE_SWEEP_INTERVAL", 5*time.Minute),
		KeyResetSchedule:    getEnv("KEY_RESET_SCHEDULE", "@daily"),
	}

	providers := make([]ProviderSettings, len(defaultProviders))
	copy(providers, defaultProviders)

	if path := getEnv("PROVIDERS_FILE", ""); path != "" {
		overrides, err := LoadProviderFile(path)
		if err != nil {
			return nil, err
		}
		providers = MergeProviders(providers, overrides)
	}

	for i := range providers {
		providers[i].Keys = providerKeys(providers[i].Name)
	}
	cfg.Providers = providers

	if !cfg.HasAnyKey() && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("at least one provider key (e.g. GROQ_API_KEYS) or DATABASE_URL for shared keys is required")
	}

	return cfg, nil
}

// HasAnyKey reports whether any provider has a statically configured key
func (c *Config) HasAnyKey() bool {
	for _, p := range c.Providers {
		if len(p.Keys) > 0 {
			return true
		}
	}
	return false
}

// StaticKeys returns the configured keys indexed by provider name
func (c *Config) StaticKeys() map[string][]string {
	keys := make(map[string][]string, len(c.Providers))
	for _, p := range c.Providers {
		if len(p.Keys) > 0 {
			keys[p.Name] = p.Keys
		}
	}
	return keys
}

type providerFile struct {
	Providers []ProviderSettings `yaml:"providers"`
}

// LoadProviderFile reads per-provider overrides from a YAML file
func LoadProviderFile(path string) ([]ProviderSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file: %w", err)
	}

	var file providerFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse providers file: %w", err)
	}

	for i, p := range file.Providers {
		if strings.TrimSpace(p.Name) == "" {
			return nil, fmt.Errorf("providers file entry %d has no name", i)
		}
		file.Providers[i].Name = strings.ToLower(strings.TrimSpace(p.Name))
	}

	return file.Providers, nil
}

// MergeProviders applies overrides onto base. Zero-valued override fields keep
// the base value, unknown names are appended in file order.
func MergeProviders(base, overrides []ProviderSettings) []ProviderSettings {
	merged := make([]ProviderSettings, len(base))
	copy(merged, base)

	index := make(map[string]int, len(merged))
	for i, p := range merged {
		index[p.Name] = i
	}

	for _, o := range overrides {
		i, ok := index[o.Name]
		if !ok {
			index[o.Name] = len(merged)
			merged = append(merged, o)
			continue
		}
		if o.Priority != 0 {
			merged[i].Priority = o.Priority
		}
		if o.BaseURL != "" {
			merged[i].BaseURL = o.BaseURL
		}
		if o.DefaultModel != "" {
			merged[i].DefaultModel = o.DefaultModel
		}
		if o.Timeout != 0 {
			merged[i].Timeout = o.Timeout
		}
	}

	return merged
}

// providerKeys reads <NAME>_API_KEYS as a comma separated list
func providerKeys(name string) []string {
	raw := getEnv(strings.ToUpper(name)+"_API_KEYS", "")
	if raw == "" {
		if legacy, ok := legacyKeyEnv[name]; ok {
			raw = getEnv(legacy, "")
		}
	}
	return SplitKeys(raw)
}

// SplitKeys splits a comma separated key list, dropping blanks
func SplitKeys(raw string) []string {
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
