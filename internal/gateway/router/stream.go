package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/jexi-app/llm-router/internal/gateway/providers"
	"go.uber.org/zap"
)

// EmitFunc receives one text delta. Returning an error stops the stream.
type EmitFunc func(delta string) error

type streamOutcome int

const (
	streamDone streamOutcome = iota
	streamRateLimited
	streamProviderFailed
	streamAborted
)

// Stream delivers a response incrementally through emit. Provider ordering
// and key rotation follow Route, the cache is not used. Providers without
// native streaming have their completed text emitted word by word. Once a
// delta has been emitted a failure ends the request instead of falling back.
func (r *Router) Stream(ctx context.Context, messages []providers.Message, opts Options, emit EmitFunc) RouteResult {
	requestID := uuid.NewString()
	lastErr := defaultLastError
	attempted := false

	for _, candidate := range r.registry.Ordered(opts.PreferredProvider) {
		name := candidate.Name
		log := r.logger.With(zap.String("request_id", requestID), zap.String("provider", name))

	keys:
		for {
			if err := ctx.Err(); err != nil {
				return r.failed(requestID, err.Error())
			}

			key, ok := r.pool.NextKey(name)
			if !ok {
				break
			}
			adapter, ok := r.catalog.Build(name, key)
			if !ok {
				log.Warn("no adapter for provider, skipping")
				break
			}

			start := r.now()
			text, model, emitted, err := r.streamOnce(ctx, adapter, messages, opts.Model, emit)
			elapsed := r.now().Sub(start)

			switch classifyStream(ctx, err, emitted) {
			case streamDone:
				if attempted {
					r.metrics.IncFallback()
				}
				if model == "" {
					model = r.defaultModel(name)
				}
				seconds := roundSeconds(elapsed)
				r.registry.RecordSuccess(name, elapsed)
				r.metrics.ObserveAttempt(name, "success", seconds)
				r.recordUsage(ctx, requestID, name, model, seconds, true, "")
				r.metrics.ObserveRoute(StatusSuccess, false)
				return RouteResult{
					RequestID:    requestID,
					Text:         text,
					Provider:     name,
					Model:        model,
					Status:       StatusSuccess,
					ResponseTime: seconds,
				}

			case streamAborted:
				errText := err.Error()
				if ctxErr := ctx.Err(); ctxErr != nil {
					errText = ctxErr.Error()
				}
				log.Debug("stream aborted", zap.String("error", errText))
				r.metrics.ObserveRoute(StatusError, false)
				result := r.failed(requestID, errText)
				result.Provider = name
				return result

			case streamRateLimited:
				attempted = true
				r.pool.MarkExhausted(name, key)
				r.metrics.ObserveAttempt(name, "rate_limited", 0)
				r.metrics.IncKeyExhausted(name)
				log.Warn("rate limited, rotating key", zap.Error(err))
				continue

			case streamProviderFailed:
				attempted = true
				errText := err.Error()
				outcome, usageText := "failed", errText
				var adapterErr errAdapter
				if errors.As(err, &adapterErr) {
					outcome, usageText = "error", adapterErr.err.Error()
				}
				r.registry.RecordFailure(name)
				r.metrics.ObserveAttempt(name, outcome, 0)
				r.recordUsage(ctx, requestID, name, opts.Model, 0, false, usageText)

				if emitted {
					// partial output cannot be retracted
					log.Warn("stream failed after output", zap.String("error", errText))
					r.metrics.ObserveRoute(StatusError, false)
					result := r.failed(requestID, errText)
					result.Provider = name
					return result
				}

				lastErr = errText
				log.Warn("provider failed", zap.String("error", errText))
				break keys
			}
		}
	}

	r.logger.Error("all providers failed",
		zap.String("request_id", requestID),
		zap.String("last_error", lastErr))
	r.metrics.ObserveRoute(StatusError, false)
	return r.failed(requestID, lastErr)
}

// errEmit marks a failure of the caller's emit function
type errEmit struct{ err error }

func (e errEmit) Error() string { return "client disconnected: " + e.err.Error() }
func (e errEmit) Unwrap() error { return e.err }

// errAdapter marks an error raised by an adapter, as opposed to a failure it
// reported. It always counts against the provider.
type errAdapter struct {
	provider string
	err      error
}

func (e errAdapter) Error() string { return e.provider + ": " + e.err.Error() }
func (e errAdapter) Unwrap() error { return e.err }

func classifyStream(ctx context.Context, err error, emitted bool) streamOutcome {
	if err == nil {
		return streamDone
	}
	var emitErr errEmit
	if errors.As(err, &emitErr) || ctx.Err() != nil {
		return streamAborted
	}
	var adapterErr errAdapter
	if errors.As(err, &adapterErr) {
		return streamProviderFailed
	}
	if !emitted && isRateLimited(err.Error()) {
		return streamRateLimited
	}
	return streamProviderFailed
}

// streamOnce runs one provider call. It returns the full text, the model
// used and whether anything reached emit.
func (r *Router) streamOnce(ctx context.Context, adapter providers.Provider, messages []providers.Message, model string, emit EmitFunc) (text, usedModel string, emitted bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errAdapter{provider: adapter.Name(), err: fmt.Errorf("panic: %v", p)}
		}
	}()

	streamer, ok := adapter.(providers.Streamer)
	if !ok {
		return chunkCompletion(ctx, adapter, messages, model, emit)
	}

	stream, err := streamer.ChatStream(ctx, messages, model)
	if err != nil {
		return "", model, false, err
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String(), model, emitted, nil
		}
		if err != nil {
			return sb.String(), model, emitted, err
		}
		if err := emit(delta); err != nil {
			return sb.String(), model, emitted, errEmit{err}
		}
		emitted = true
		sb.WriteString(delta)
	}
}

// chunkCompletion emits a completed response one word at a time
func chunkCompletion(ctx context.Context, adapter providers.Provider, messages []providers.Message, model string, emit EmitFunc) (string, string, bool, error) {
	res, err := callChat(ctx, adapter, messages, model)
	if err != nil {
		return "", model, false, errAdapter{provider: adapter.Name(), err: err}
	}

	success, ok := res.(providers.Success)
	if !ok {
		return "", model, false, errors.New(failureText(adapter.Name(), res))
	}

	usedModel := success.Model
	if usedModel == "" {
		usedModel = model
	}

	if success.Text == "" {
		return "", usedModel, false, nil
	}

	emitted := false
	for _, word := range strings.Split(success.Text, " ") {
		if err := emit(word + " "); err != nil {
			return success.Text, usedModel, emitted, errEmit{err}
		}
		emitted = true
	}
	return success.Text, usedModel, emitted, nil
}
