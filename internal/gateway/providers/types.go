package providers

import (
	"context"
	"errors"
	"net/url"
	"time"
)

// DefaultTimeout bounds a single provider call when Config.Timeout is unset
const DefaultTimeout = 30 * time.Second

// Message is one chat turn
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Result is the outcome of a provider call: Success or Failure
type Result interface {
	isResult()
}

// Success carries the generated text and the model that produced it
type Success struct {
	Text     string `json:"text"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Failure is an ordinary provider error (HTTP error, timeout, bad payload)
type Failure struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Error    string `json:"error"`
}

func (Success) isResult() {}
func (Failure) isResult() {}

// Provider is the interface all LLM providers must implement.
// Ordinary failures are reported as Failure; a non-nil error means
// something exceptional went wrong.
type Provider interface {
	Name() string
	Chat(ctx context.Context, messages []Message, model string) (Result, error)
}

// StreamReader yields text deltas until io.EOF
type StreamReader interface {
	Recv() (string, error)
	Close() error
}

// Streamer is implemented by providers that support incremental delivery
type Streamer interface {
	ChatStream(ctx context.Context, messages []Message, model string) (StreamReader, error)
}

// Config is the provider-specific part of an adapter's construction
type Config struct {
	Name         string
	BaseURL      string
	AccountID    string
	DefaultModel string
	Timeout      time.Duration
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

func (c Config) model(requested string) string {
	if requested != "" {
		return requested
	}
	return c.DefaultModel
}

// Factory builds a provider bound to one API key
type Factory func(apiKey string, cfg Config) Provider

// describeError renders a transport error without the request URL, which may
// carry credentials or unrelated words
func describeError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "Timeout"
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Op + ": " + urlErr.Err.Error()
	}
	return err.Error()
}

// splitSystem returns the last system prompt and the remaining turns
func splitSystem(messages []Message) (string, []Message) {
	var (
		system string
		rest   = make([]Message, 0, len(messages))
	)
	for _, m := range messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}
