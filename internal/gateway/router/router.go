// Package router routes chat requests across providers and their keys.
//
// A request is answered from the response cache when possible. Otherwise
// providers are tried in score order. Within a provider every available key
// is tried until one succeeds or the provider fails for a reason other than
// a rate limit, in which case the next provider is tried.
package router

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jexi-app/llm-router/internal/gateway/cache"
	"github.com/jexi-app/llm-router/internal/gateway/keypool"
	"github.com/jexi-app/llm-router/internal/gateway/providers"
	"github.com/jexi-app/llm-router/internal/gateway/registry"
	"github.com/jexi-app/llm-router/internal/gateway/usage"
	"github.com/jexi-app/llm-router/internal/shared/metrics"
	"github.com/jexi-app/llm-router/internal/shared/models"
	"go.uber.org/zap"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// DefaultSharedPriority is used for providers that only appear through shared keys
const DefaultSharedPriority = 100

const (
	defaultLastError = "All providers failed"
	failurePrefix    = "I'm sorry, I couldn't process that right now. "
	testPrompt       = "Hello, respond with one word."
)

// Options are the per-request routing hints
type Options struct {
	PreferredProvider string
	Model             string
	CacheTTL          time.Duration
}

// RouteResult is the outcome of a routed request. Provider and Model are
// empty when every provider failed.
type RouteResult struct {
	RequestID    string  `json:"request_id"`
	Text         string  `json:"text"`
	Provider     string  `json:"provider,omitempty"`
	Model        string  `json:"model,omitempty"`
	Status       string  `json:"status"`
	Error        string  `json:"error,omitempty"`
	ResponseTime float64 `json:"response_time"`
	Cached       bool    `json:"cached"`
}

// ProviderStatus is the live view of one registered provider
type ProviderStatus struct {
	Name            string     `json:"name"`
	AvailableKeys   int        `json:"available_keys"`
	FailureCount    int        `json:"failure_count"`
	AvgResponseTime float64    `json:"avg_response_time"`
	LastUsedAt      *time.Time `json:"last_used"`
	Priority        int        `json:"priority"`
}

// SharedKeySource lists persisted shared keys, satisfied by *database.DB
type SharedKeySource interface {
	ListSharedKeys(ctx context.Context) ([]models.SharedKey, error)
}

// Router ties the key pool, registry, catalog and cache together
type Router struct {
	pool     *keypool.Pool
	registry *registry.Registry
	catalog  providers.Catalog
	cache    *cache.Cache
	usage    *usage.SafeRecorder
	stats    usage.StatsSource

	encryptionKey  []byte
	sharedPriority int

	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Collector
}

// Option configures a Router
type Option func(*Router)

// WithLogger sets the router logger
func WithLogger(logger *zap.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// WithMetrics records routing metrics on m
func WithMetrics(m *metrics.Collector) Option {
	return func(r *Router) { r.metrics = m }
}

// WithStatsSource overrides where Stats reads aggregates from
func WithStatsSource(s usage.StatsSource) Option {
	return func(r *Router) { r.stats = s }
}

// WithClock overrides the time source used to measure calls
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithEncryptionKey sets the key used to decrypt shared keys
func WithEncryptionKey(key []byte) Option {
	return func(r *Router) { r.encryptionKey = key }
}

// WithSharedPriority sets the priority of providers that are not in the catalog
func WithSharedPriority(p int) Option {
	return func(r *Router) { r.sharedPriority = p }
}

// New creates a router. Every catalog provider with at least one key is
// registered. Providers that gain their first key later are registered
// when that happens.
func New(pool *keypool.Pool, reg *registry.Registry, catalog providers.Catalog, c *cache.Cache, recorder usage.Recorder, opts ...Option) *Router {
	r := &Router{
		pool:           pool,
		registry:       reg,
		catalog:        catalog,
		cache:          c,
		sharedPriority: DefaultSharedPriority,
		now:            time.Now,
		logger:         zap.NewNop(),
	}
	if s, ok := recorder.(usage.StatsSource); ok {
		r.stats = s
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "router"))
	r.usage = usage.NewSafeRecorder(recorder, r.logger)

	for _, name := range catalog.Names() {
		if !pool.Has(name) {
			continue
		}
		r.register(name)
	}
	pool.OnNewProvider(r.register)

	return r
}

func (r *Router) register(name string) {
	priority := r.sharedPriority
	if spec, ok := r.catalog.Lookup(name); ok {
		priority = spec.Priority
	}
	if r.registry.Register(name, priority) {
		r.logger.Info("provider registered",
			zap.String("provider", name),
			zap.Int("priority", priority))
	}
}

func (r *Router) defaultModel(name string) string {
	if spec, ok := r.catalog.Lookup(name); ok {
		return spec.Config.DefaultModel
	}
	return ""
}

// Route answers messages from the cache or the first provider that succeeds.
// It never returns an error; total failure is reported in the result.
func (r *Router) Route(ctx context.Context, messages []providers.Message, opts Options) RouteResult {
	requestID := uuid.NewString()

	if opts.CacheTTL > 0 && r.cache != nil {
		system, user := latestTurns(messages)
		if hit, ok := r.cache.Get(ctx, system, user, opts.Model); ok {
			r.logger.Debug("cache hit", zap.String("request_id", requestID))
			r.metrics.ObserveRoute(StatusSuccess, true)
			return RouteResult{
				RequestID: requestID,
				Text:      hit.Text,
				Provider:  hit.Provider,
				Model:     hit.Model,
				Status:    StatusSuccess,
				Cached:    true,
			}
		}
	}

	result := r.route(ctx, requestID, messages, opts, r.registry.Ordered(opts.PreferredProvider))
	r.metrics.ObserveRoute(result.Status, false)
	return result
}

// TestProvider sends a short prompt to one provider without falling back
func (r *Router) TestProvider(ctx context.Context, name string) (RouteResult, error) {
	candidate, ok := r.registry.Get(name)
	if !ok {
		return RouteResult{}, fmt.Errorf("%w: %s", registry.ErrUnknownProvider, name)
	}
	messages := []providers.Message{{Role: "user", Content: testPrompt}}
	return r.route(ctx, uuid.NewString(), messages, Options{}, []registry.Candidate{candidate}), nil
}

func (r *Router) route(ctx context.Context, requestID string, messages []providers.Message, opts Options, candidates []registry.Candidate) RouteResult {
	lastErr := defaultLastError
	attempted := false

	for _, candidate := range candidates {
		name := candidate.Name
		log := r.logger.With(zap.String("request_id", requestID), zap.String("provider", name))

		for {
			if err := ctx.Err(); err != nil {
				return r.failed(requestID, err.Error())
			}

			key, ok := r.pool.NextKey(name)
			if !ok {
				log.Debug("no keys available")
				break
			}

			adapter, ok := r.catalog.Build(name, key)
			if !ok {
				log.Warn("no adapter for provider, skipping")
				break
			}

			log.Debug("calling provider", zap.String("model", opts.Model))
			start := r.now()
			res, err := callChat(ctx, adapter, messages, opts.Model)
			elapsed := r.now().Sub(start)

			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return r.failed(requestID, ctxErr.Error())
				}
				attempted = true
				lastErr = name + ": " + err.Error()
				r.registry.RecordFailure(name)
				r.metrics.ObserveAttempt(name, "error", 0)
				r.recordUsage(ctx, requestID, name, opts.Model, 0, false, err.Error())
				log.Warn("provider raised an error", zap.Error(err))
				break
			}

			if success, ok := res.(providers.Success); ok {
				if attempted {
					r.metrics.IncFallback()
				}
				return r.succeeded(ctx, requestID, name, messages, opts, success, elapsed)
			}

			errText := failureText(name, res)
			if isRateLimited(errText) {
				r.pool.MarkExhausted(name, key)
				r.metrics.ObserveAttempt(name, "rate_limited", 0)
				r.metrics.IncKeyExhausted(name)
				log.Warn("rate limited, rotating key", zap.String("error", errText))
				attempted = true
				continue
			}

			if ctxErr := ctx.Err(); ctxErr != nil {
				return r.failed(requestID, ctxErr.Error())
			}

			attempted = true
			lastErr = errText
			r.registry.RecordFailure(name)
			r.metrics.ObserveAttempt(name, "failed", 0)
			r.recordUsage(ctx, requestID, name, opts.Model, 0, false, errText)
			log.Warn("provider failed", zap.String("error", errText))
			break
		}
	}

	r.logger.Error("all providers failed",
		zap.String("request_id", requestID),
		zap.String("last_error", lastErr))
	return r.failed(requestID, lastErr)
}

func (r *Router) succeeded(ctx context.Context, requestID, name string, messages []providers.Message, opts Options, success providers.Success, elapsed time.Duration) RouteResult {
	seconds := roundSeconds(elapsed)

	r.registry.RecordSuccess(name, elapsed)
	r.metrics.ObserveAttempt(name, "success", seconds)
	r.recordUsage(ctx, requestID, name, success.Model, seconds, true, "")

	provider := success.Provider
	if provider == "" {
		provider = name
	}
	model := success.Model
	if model == "" {
		model = opts.Model
	}

	if opts.CacheTTL > 0 && r.cache != nil {
		system, user := latestTurns(messages)
		r.cache.Put(ctx, system, user, model, providers.Success{Text: success.Text, Provider: provider, Model: model}, opts.CacheTTL)
	}

	r.logger.Debug("provider succeeded",
		zap.String("request_id", requestID),
		zap.String("provider", name),
		zap.Float64("response_time", seconds))

	return RouteResult{
		RequestID:    requestID,
		Text:         success.Text,
		Provider:     provider,
		Model:        model,
		Status:       StatusSuccess,
		ResponseTime: seconds,
	}
}

func (r *Router) failed(requestID, lastErr string) RouteResult {
	return RouteResult{
		RequestID: requestID,
		Text:      failurePrefix + lastErr,
		Status:    StatusError,
		Error:     lastErr,
	}
}

func (r *Router) recordUsage(ctx context.Context, requestID, provider, model string, seconds float64, success bool, errText string) {
	rec := models.UsageRecord{
		RequestID:    requestID,
		Provider:     provider,
		Model:        model,
		ResponseTime: seconds,
		Success:      success,
		Timestamp:    r.now().UTC(),
	}
	if errText != "" {
		rec.ErrorMessage = &errText
	}
	r.usage.Record(context.WithoutCancel(ctx), rec)
}

// ProviderStatus reports every registered provider in registration order
func (r *Router) ProviderStatus() []ProviderStatus {
	snapshot := r.registry.Snapshot()
	out := make([]ProviderStatus, 0, len(snapshot))
	for _, c := range snapshot {
		out = append(out, ProviderStatus{
			Name:            c.Name,
			AvailableKeys:   r.pool.ActiveKeyCount(c.Name),
			FailureCount:    c.FailureCount,
			AvgResponseTime: c.AvgResponseTime,
			LastUsedAt:      c.LastUsedAt,
			Priority:        c.Priority,
		})
	}
	return out
}

// Stats aggregates recorded usage per provider. Errors yield an empty map.
func (r *Router) Stats(ctx context.Context) map[string]models.ProviderUsageStats {
	if r.stats == nil {
		return map[string]models.ProviderUsageStats{}
	}
	stats, err := r.stats.UsageStats(ctx)
	if err != nil {
		r.logger.Warn("failed to load usage stats", zap.Error(err))
		return map[string]models.ProviderUsageStats{}
	}
	return stats
}

// SetPriority changes one provider's baseline priority
func (r *Router) SetPriority(name string, priority int) error {
	return r.registry.SetPriority(name, priority)
}

// SetPriorities changes several priorities at once
func (r *Router) SetPriorities(priorities map[string]int) error {
	return r.registry.SetPriorities(priorities)
}

// latestTurns returns the content of the last system and last user message
func latestTurns(messages []providers.Message) (system, user string) {
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = m.Content
		case "user":
			user = m.Content
		}
	}
	return system, user
}

// isRateLimited reports whether an error text looks like a throttled key
func isRateLimited(errText string) bool {
	return strings.Contains(errText, "429") || strings.Contains(strings.ToLower(errText), "rate")
}

func failureText(name string, res providers.Result) string {
	if f, ok := res.(providers.Failure); ok && f.Error != "" {
		return f.Error
	}
	return name + " returned an error"
}

// callChat invokes the adapter, turning a panic into an error
func callChat(ctx context.Context, adapter providers.Provider, messages []providers.Message, model string) (res providers.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, fmt.Errorf("panic: %v", p)
		}
	}()

	res, err = adapter.Chat(ctx, messages, model)
	if err == nil && res == nil {
		err = errors.New("empty result")
	}
	return res, err
}

func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*1000) / 1000
}
