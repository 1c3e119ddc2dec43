package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jexi-app/llm-router/internal/shared/config"
)

var testMessages = []Message{
	{Role: "system", Content: "be brief"},
	{Role: "user", Content: "hi"},
}

func drain(t *testing.T, r StreamReader) string {
	t.Helper()
	defer r.Close()

	var sb strings.Builder
	for {
		delta, err := r.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String()
		}
		require.NoError(t, err)
		sb.WriteString(delta)
	}
}

func TestOpenAICompat_Chat(t *testing.T) {
	var gotAuth, gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")

		var body struct {
			Model    string    `json:"model"`
			Messages []Message `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotModel = body.Model
		assert.Len(t, body.Messages, 2)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"x","model":"llama-resolved","choices":[{"index":0,"message":{"role":"assistant","content":"hello"}}]}`)
	}))
	defer srv.Close()

	p := NewOpenAICompatProvider("sk-test", Config{Name: "groq", BaseURL: srv.URL, DefaultModel: "llama-default"})
	assert.Equal(t, "groq", p.Name())

	res, err := p.Chat(context.Background(), testMessages, "")
	require.NoError(t, err)

	success, ok := res.(Success)
	require.True(t, ok, "expected Success, got %#v", res)
	assert.Equal(t, "hello", success.Text)
	assert.Equal(t, "groq", success.Provider)
	assert.Equal(t, "llama-resolved", success.Model)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "llama-default", gotModel)
}

func TestOpenAICompat_EmptyChoicesIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"x","choices":[]}`)
	}))
	defer srv.Close()

	p := NewOpenAICompatProvider("k", Config{Name: "groq", BaseURL: srv.URL})
	res, err := p.Chat(context.Background(), testMessages, "m1")
	require.NoError(t, err)

	success, ok := res.(Success)
	require.True(t, ok)
	assert.Empty(t, success.Text)
	assert.Equal(t, "m1", success.Model)
}

func TestOpenAICompat_RateLimitedKeepsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down","type":"requests"}}`)
	}))
	defer srv.Close()

	p := NewOpenAICompatProvider("k", Config{Name: "groq", BaseURL: srv.URL})
	res, err := p.Chat(context.Background(), testMessages, "m1")
	require.NoError(t, err)

	failure, ok := res.(Failure)
	require.True(t, ok)
	assert.Equal(t, "groq", failure.Provider)
	assert.Equal(t, "m1", failure.Model)
	assert.Contains(t, failure.Error, "429")
}

func TestOpenAICompat_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	p := NewOpenAICompatProvider("k", Config{Name: "groq", BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	res, err := p.Chat(context.Background(), testMessages, "m1")
	require.NoError(t, err)

	failure, ok := res.(Failure)
	require.True(t, ok)
	assert.Contains(t, failure.Error, "Timeout")
}

func TestOpenAICompat_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, delta := range []string{"Hel", "", "lo"} {
			fmt.Fprintf(w, "data: {\"id\":\"x\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", delta)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenAICompatProvider("k", Config{Name: "groq", BaseURL: srv.URL})
	streamer, ok := p.(Streamer)
	require.True(t, ok)

	stream, err := streamer.ChatStream(context.Background(), testMessages, "m1")
	require.NoError(t, err)
	assert.Equal(t, "Hello", drain(t, stream))
}

func TestGemini_Chat(t *testing.T) {
	var got GeminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-test:generateContent", r.URL.Path)
		assert.Equal(t, "gk", r.Header.Get("x-goog-api-key"))
		assert.Empty(t, r.URL.Query().Get("key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"hi "},{"text":"there"}]}}],"modelVersion":"gemini-test-001"}`)
	}))
	defer srv.Close()

	p := NewGeminiProvider("gk", Config{Name: "gemini", BaseURL: srv.URL})
	messages := append([]Message{}, testMessages...)
	messages = append(messages, Message{Role: "assistant", Content: "yo"})

	res, err := p.Chat(context.Background(), messages, "gemini-test")
	require.NoError(t, err)

	success, ok := res.(Success)
	require.True(t, ok)
	assert.Equal(t, "hi there", success.Text)
	assert.Equal(t, "gemini-test-001", success.Model)

	require.NotNil(t, got.SystemInstruction)
	assert.Equal(t, "be brief", got.SystemInstruction.Parts[0].Text)
	require.Len(t, got.Contents, 2)
	assert.Equal(t, "user", got.Contents[0].Role)
	assert.Equal(t, "model", got.Contents[1].Role)
}

func TestGemini_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":"quota"}`)
	}))
	defer srv.Close()

	p := NewGeminiProvider("gk", Config{Name: "gemini", BaseURL: srv.URL, DefaultModel: "g1"})
	res, err := p.Chat(context.Background(), testMessages, "")
	require.NoError(t, err)

	failure, ok := res.(Failure)
	require.True(t, ok)
	assert.Equal(t, "g1", failure.Model)
	assert.Equal(t, `Gemini API error (status 429): {"error":"quota"}`, failure.Error)
}

func TestGemini_TransportErrorHidesURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := NewGeminiProvider("secret-key", Config{Name: "gemini", BaseURL: url})
	res, err := p.Chat(context.Background(), testMessages, "gemini-test")
	require.NoError(t, err)

	failure, ok := res.(Failure)
	require.True(t, ok)
	assert.NotContains(t, failure.Error, "secret-key")
	assert.NotContains(t, failure.Error, "generateContent")
	assert.NotContains(t, strings.ToLower(failure.Error), "rate")
}

func TestGemini_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"one \"}]}}]}\n\n")
		fmt.Fprint(w, "data: not-json\n\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"two\"}]}}]}\n\n")
	}))
	defer srv.Close()

	p := NewGeminiProvider("gk", Config{Name: "gemini", BaseURL: srv.URL})
	stream, err := p.(Streamer).ChatStream(context.Background(), testMessages, "g1")
	require.NoError(t, err)
	assert.Equal(t, "one two", drain(t, stream))
}

func TestAnthropic_Chat(t *testing.T) {
	var got AnthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "ak", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		fmt.Fprint(w, `{"id":"msg","model":"claude-resolved","content":[{"type":"text","text":"ok"}]}`)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("ak", Config{Name: "anthropic", BaseURL: srv.URL, DefaultModel: "claude-x"})
	res, err := p.Chat(context.Background(), testMessages, "")
	require.NoError(t, err)

	success, ok := res.(Success)
	require.True(t, ok)
	assert.Equal(t, "ok", success.Text)
	assert.Equal(t, "claude-resolved", success.Model)

	assert.Equal(t, "claude-x", got.Model)
	assert.Equal(t, "be brief", got.System)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.False(t, got.Stream)
}

func TestAnthropic_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\"}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"a\"}}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"b\"}}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer srv.Close()

	p := NewAnthropicProvider("ak", Config{Name: "anthropic", BaseURL: srv.URL})
	stream, err := p.(Streamer).ChatStream(context.Background(), testMessages, "c1")
	require.NoError(t, err)
	assert.Equal(t, "ab", drain(t, stream))
}

func TestAnthropic_StreamOpenError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("ak", Config{Name: "anthropic", BaseURL: srv.URL})
	_, err := p.(Streamer).ChatStream(context.Background(), testMessages, "c1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestCloudflare_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/acc/ai/run/@cf/test", r.URL.Path)
		assert.Equal(t, "Bearer cf", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"success":true,"result":{"response":"from cf"}}`)
	}))
	defer srv.Close()

	p := NewCloudflareProvider("cf", Config{Name: "cloudflare", BaseURL: srv.URL, AccountID: "acc"})
	_, isStreamer := p.(Streamer)
	assert.False(t, isStreamer)

	res, err := p.Chat(context.Background(), testMessages, "@cf/test")
	require.NoError(t, err)
	assert.Equal(t, Success{Text: "from cf", Provider: "cloudflare", Model: "@cf/test"}, res)
}

func TestCloudflare_Failures(t *testing.T) {
	p := NewCloudflareProvider("cf", Config{Name: "cloudflare"})
	res, err := p.Chat(context.Background(), testMessages, "m")
	require.NoError(t, err)
	assert.IsType(t, Failure{}, res)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":false,"errors":[{"message":"bad model"}]}`)
	}))
	defer srv.Close()

	p = NewCloudflareProvider("cf", Config{Name: "cloudflare", BaseURL: srv.URL, AccountID: "acc"})
	res, err = p.Chat(context.Background(), testMessages, "m")
	require.NoError(t, err)
	failure, ok := res.(Failure)
	require.True(t, ok)
	assert.Equal(t, "Cloudflare API error: bad model", failure.Error)
}

func TestDescribeError(t *testing.T) {
	assert.Equal(t, "Timeout", describeError(context.DeadlineExceeded))
	assert.Equal(t, "Timeout", describeError(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.Equal(t, "boom", describeError(errors.New("boom")))
}

func TestSplitSystem(t *testing.T) {
	system, rest := splitSystem([]Message{
		{Role: "system", Content: "first"},
		{Role: "user", Content: "u"},
		{Role: "system", Content: "second"},
	})
	assert.Equal(t, "second", system)
	assert.Equal(t, []Message{{Role: "user", Content: "u"}}, rest)
}

func TestDefaultCatalog(t *testing.T) {
	cfg := &config.Config{
		ProviderTimeout:     5 * time.Second,
		CloudflareAccountID: "acc",
		Providers: []config.ProviderSettings{
			{Name: "groq", Priority: 1},
			{Name: "gemini", Priority: 4, DefaultModel: "gemini-custom"},
			{Name: "cloudflare", Priority: 6},
			{Name: "together", Priority: 12, BaseURL: "https://api.together.xyz/v1"},
			{Name: "mystery", Priority: 20},
		},
	}

	catalog := DefaultCatalog(cfg)
	assert.Equal(t, []string{"groq", "gemini", "cloudflare", "together"}, catalog.Names())

	groq, ok := catalog.Lookup("groq")
	require.True(t, ok)
	assert.Equal(t, "https://api.groq.com/openai/v1", groq.Config.BaseURL)
	assert.Equal(t, 5*time.Second, groq.Config.Timeout)

	gemini, _ := catalog.Lookup("gemini")
	assert.Equal(t, "gemini-custom", gemini.Config.DefaultModel)

	cf, _ := catalog.Lookup("cloudflare")
	assert.Equal(t, "acc", cf.Config.AccountID)

	p, ok := catalog.Build("together", "tk")
	require.True(t, ok)
	assert.IsType(t, &OpenAICompatProvider{}, p)
	assert.Equal(t, "together", p.Name())

	_, ok = catalog.Build("mystery", "k")
	assert.False(t, ok)
}
