package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jexi-app/llm-router/internal/gateway/cache"
	"github.com/jexi-app/llm-router/internal/gateway/keypool"
	"github.com/jexi-app/llm-router/internal/gateway/registry"
	"github.com/jexi-app/llm-router/internal/gateway/router"
	"github.com/jexi-app/llm-router/internal/shared/crypto"
	"go.uber.org/zap"
)

// healthTimeout bounds each dependency check on /health
const healthTimeout = 2 * time.Second

// Pinger is a dependency checked by /health, satisfied by *database.DB and *redis.Client
type Pinger interface {
	Ping(ctx context.Context) error
}

// JobStatus reports the maintenance scheduler, satisfied by *scheduler.Scheduler
type JobStatus interface {
	IsRunning() bool
	NextRuns() []time.Time
}

type dependency struct {
	name   string
	pinger Pinger
}

type JobsHealth struct {
	Running  bool        `json:"running"`
	NextRuns []time.Time `json:"next_runs"`
}

type HealthResponse struct {
	Status    string            `json:"status"`
	Providers int               `json:"providers"`
	Checks    map[string]string `json:"checks,omitempty"`
	Jobs      *JobsHealth       `json:"jobs,omitempty"`
}

// AdminOption configures an AdminHandler
type AdminOption func(*AdminHandler)

// WithDependency adds a named dependency to the health check
func WithDependency(name string, p Pinger) AdminOption {
	return func(h *AdminHandler) {
		h.dependencies = append(h.dependencies, dependency{name: name, pinger: p})
	}
}

// WithJobs reports the scheduler state on the health check
func WithJobs(jobs JobStatus) AdminOption {
	return func(h *AdminHandler) { h.jobs = jobs }
}

// SharedKeyStore persists contributed keys, satisfied by *database.DB
type SharedKeyStore interface {
	InsertSharedKey(ctx context.Context, provider, encryptedKey string) (int64, error)
}

type PriorityEntry struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
}

type PriorityRequest struct {
	Priorities []PriorityEntry `json:"priorities"`
}

type TestRequest struct {
	Provider string `json:"provider"`
}

type AddKeyRequest struct {
	Provider string `json:"provider"`
	Key      string `json:"key"`
}

type AddKeyResponse struct {
	Provider  string `json:"provider"`
	Added     bool   `json:"added"`
	Persisted bool   `json:"persisted"`
}

// AdminHandler exposes provider status, key management and cache control
type AdminHandler struct {
	router        *router.Router
	pool          *keypool.Pool
	cache         *cache.Cache
	store         SharedKeyStore
	encryptionKey []byte
	logger        *zap.Logger

	dependencies []dependency
	jobs         JobStatus
}

// NewAdminHandler creates the admin handler. A nil store keeps contributed
// keys in memory only.
func NewAdminHandler(rt *router.Router, pool *keypool.Pool, c *cache.Cache, store SharedKeyStore, encryptionKey []byte, logger *zap.Logger, opts ...AdminOption) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &AdminHandler{
		router:        rt,
		pool:          pool,
		cache:         c,
		store:         store,
		encryptionKey: encryptionKey,
		logger:        logger.With(zap.String("component", "http")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleProviders handles GET /v1/providers
func (h *AdminHandler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": h.router.ProviderStatus()})
}

// HandleProviderStats handles GET /v1/providers/stats
func (h *AdminHandler) HandleProviderStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.router.Stats(r.Context()))
}

// HandleSetPriorities handles PUT /v1/providers/priority
func (h *AdminHandler) HandleSetPriorities(w http.ResponseWriter, r *http.Request) {
	var req PriorityRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Priorities) == 0 {
		writeError(w, http.StatusBadRequest, "priorities is required")
		return
	}

	priorities := make(map[string]int, len(req.Priorities))
	for _, p := range req.Priorities {
		priorities[strings.ToLower(strings.TrimSpace(p.Name))] = p.Priority
	}

	if err := h.router.SetPriorities(priorities); err != nil {
		if errors.Is(err, registry.ErrUnknownProvider) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.logger.Info("provider priorities updated", zap.Int("count", len(priorities)))
	writeJSON(w, http.StatusOK, map[string]any{"providers": h.router.ProviderStatus()})
}

// HandleTestProvider handles POST /v1/providers/test
func (h *AdminHandler) HandleTestProvider(w http.ResponseWriter, r *http.Request) {
	var req TestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	name := strings.ToLower(strings.TrimSpace(req.Provider))
	if name == "" {
		writeError(w, http.StatusBadRequest, "provider is required")
		return
	}

	result, err := h.router.TestProvider(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	status := http.StatusOK
	if result.Status != router.StatusSuccess {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, result)
}

// HandleListKeys handles GET /v1/keys
func (h *AdminHandler) HandleListKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pool.Stats())
}

// HandleAddKey handles POST /v1/keys
func (h *AdminHandler) HandleAddKey(w http.ResponseWriter, r *http.Request) {
	var req AddKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	key := strings.TrimSpace(req.Key)
	if provider == "" || key == "" {
		writeError(w, http.StatusBadRequest, "provider and key are required")
		return
	}
	if len(h.encryptionKey) == 0 {
		writeError(w, http.StatusServiceUnavailable, router.ErrNoEncryptionKey.Error())
		return
	}

	encrypted, err := crypto.Encrypt(h.encryptionKey, key)
	if err != nil {
		h.logger.Error("failed to encrypt shared key", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to encrypt key")
		return
	}

	var meta keypool.SharedMeta
	persisted := false
	if h.store != nil {
		id, err := h.store.InsertSharedKey(r.Context(), provider, encrypted)
		if err != nil {
			h.logger.Error("failed to persist shared key", zap.String("provider", provider), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to store key")
			return
		}
		meta.ExternalID = strconv.FormatInt(id, 10)
		persisted = true
	}

	added, err := h.router.AddSharedKey(provider, encrypted, meta)
	if err != nil {
		h.logger.Error("failed to add shared key", zap.String("provider", provider), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to add key")
		return
	}

	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	writeJSON(w, status, AddKeyResponse{Provider: provider, Added: added, Persisted: persisted})
}

// HandleResetKeys handles POST /v1/keys/reset
func (h *AdminHandler) HandleResetKeys(w http.ResponseWriter, r *http.Request) {
	h.pool.ResetDaily()
	h.logger.Info("keys reset manually")
	writeJSON(w, http.StatusOK, h.pool.Stats())
}

// HandleCacheStats handles GET /v1/cache/stats
func (h *AdminHandler) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cache.Stats())
}

// HandleClearCache handles DELETE /v1/cache
func (h *AdminHandler) HandleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.Clear(r.Context()); err != nil {
		h.logger.Warn("failed to clear shared cache", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to clear cache")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleHealth handles GET /health. Any failing dependency makes the
// service report degraded with a 503.
func (h *AdminHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Providers: len(h.router.ProviderStatus()),
	}

	if len(h.dependencies) > 0 {
		resp.Checks = make(map[string]string, len(h.dependencies))
		for _, d := range h.dependencies {
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			err := d.pinger.Ping(ctx)
			cancel()
			if err != nil {
				h.logger.Warn("health check failed", zap.String("dependency", d.name), zap.Error(err))
				resp.Checks[d.name] = "unavailable"
				resp.Status = "degraded"
				continue
			}
			resp.Checks[d.name] = "ok"
		}
	}

	if h.jobs != nil {
		resp.Jobs = &JobsHealth{Running: h.jobs.IsRunning(), NextRuns: h.jobs.NextRuns()}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
