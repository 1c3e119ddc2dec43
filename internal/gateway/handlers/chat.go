package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/jexi-app/llm-router/internal/gateway/providers"
	"github.com/jexi-app/llm-router/internal/gateway/router"
	"go.uber.org/zap"
)

// ChatRequest is the body of both chat endpoints
type ChatRequest struct {
	Messages        []providers.Message `json:"messages"`
	Provider        string              `json:"provider,omitempty"`
	Model           string              `json:"model,omitempty"`
	CacheTTLSeconds *int                `json:"cache_ttl_seconds,omitempty"`
}

type ChatHandler struct {
	router     *router.Router
	defaultTTL time.Duration
	logger     *zap.Logger
}

// NewChatHandler creates the chat handler. defaultTTL applies when a
// request does not set cache_ttl_seconds.
func NewChatHandler(rt *router.Router, defaultTTL time.Duration, logger *zap.Logger) *ChatHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatHandler{
		router:     rt,
		defaultTTL: defaultTTL,
		logger:     logger.With(zap.String("component", "http")),
	}
}

// HandleChat handles POST /v1/chat
func (h *ChatHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if msg := validateMessages(req.Messages); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	result := h.router.Route(r.Context(), req.Messages, h.options(req))

	w.Header().Set("X-Request-Id", result.RequestID)
	if result.Provider != "" {
		w.Header().Set("X-Provider", result.Provider)
	}
	if result.Cached {
		w.Header().Set("X-Cache-Hit", "true")
	}

	status := http.StatusOK
	if result.Status != router.StatusSuccess {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, result)
}

// HandleChatStream handles POST /v1/chat/stream as server-sent events
func (h *ChatHandler) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if msg := validateMessages(req.Messages); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	emit := func(delta string) error {
		if err := writeEvent(w, "", delta); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	result := h.router.Stream(r.Context(), req.Messages, h.options(req), emit)

	if result.Status != router.StatusSuccess {
		if r.Context().Err() != nil {
			return
		}
		h.logger.Warn("stream failed",
			zap.String("request_id", result.RequestID),
			zap.String("error", result.Error))
		if err := writeEvent(w, "error", result.Text); err != nil {
			return
		}
	}

	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

func (h *ChatHandler) options(req ChatRequest) router.Options {
	ttl := h.defaultTTL
	if req.CacheTTLSeconds != nil {
		ttl = time.Duration(*req.CacheTTLSeconds) * time.Second
	}
	return router.Options{
		PreferredProvider: strings.ToLower(strings.TrimSpace(req.Provider)),
		Model:             req.Model,
		CacheTTL:          ttl,
	}
}

func validateMessages(messages []providers.Message) string {
	if len(messages) == 0 {
		return "messages is required"
	}
	for _, m := range messages {
		switch m.Role {
		case "system", "user", "assistant":
		default:
			return "invalid message role: " + m.Role
		}
	}
	return ""
}

// writeEvent writes one SSE event. Multi-line payloads become one data
// line per line.
func writeEvent(w http.ResponseWriter, event, data string) error {
	var b strings.Builder
	if event != "" {
		b.WriteString("event: ")
		b.WriteString(event)
		b.WriteString("\n")
	}
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	_, err := w.Write([]byte(b.String()))
	return err
}
