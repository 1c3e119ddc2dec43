// Package usage defines the sink that routed calls are recorded to.
package usage

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jexi-app/llm-router/internal/shared/models"
	"go.uber.org/zap"
)

// Recorder appends one usage record per attempted provider call
type Recorder interface {
	Record(ctx context.Context, rec models.UsageRecord) error
}

// StatsSource aggregates recorded calls per provider
type StatsSource interface {
	UsageStats(ctx context.Context) (map[string]models.ProviderUsageStats, error)
}

// MemoryRecorder keeps records in process memory. It is used when no
// database is configured.
type MemoryRecorder struct {
	mu      sync.Mutex
	records []models.UsageRecord
	nextID  int64
}

// NewMemoryRecorder creates an empty recorder
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

// Record appends rec
func (m *MemoryRecorder) Record(_ context.Context, rec models.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	rec.ID = m.nextID
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	m.records = append(m.records, rec)
	return nil
}

// Records returns a copy of everything recorded so far
func (m *MemoryRecorder) Records() []models.UsageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.UsageRecord, len(m.records))
	copy(out, m.records)
	return out
}

// UsageStats aggregates the recorded calls per provider
func (m *MemoryRecorder) UsageStats(_ context.Context) (map[string]models.ProviderUsageStats, error) {
	type agg struct {
		total     int
		sumTime   float64
		successes int
	}

	m.mu.Lock()
	byProvider := make(map[string]*agg)
	for _, rec := range m.records {
		a, ok := byProvider[rec.Provider]
		if !ok {
			a = &agg{}
			byProvider[rec.Provider] = a
		}
		a.total++
		a.sumTime += rec.ResponseTime
		if rec.Success {
			a.successes++
		}
	}
	m.mu.Unlock()

	stats := make(map[string]models.ProviderUsageStats, len(byProvider))
	for provider, a := range byProvider {
		stats[provider] = models.ProviderUsageStats{
			TotalCalls:      a.total,
			AvgResponseTime: round(a.sumTime/float64(a.total), 3),
			SuccessRate:     round(float64(a.successes)/float64(a.total), 4),
		}
	}
	return stats, nil
}

// SafeRecorder wraps a Recorder so that errors and panics are logged and
// never reach the caller
type SafeRecorder struct {
	rec    Recorder
	logger *zap.Logger
}

// NewSafeRecorder wraps rec. A nil rec discards records.
func NewSafeRecorder(rec Recorder, logger *zap.Logger) *SafeRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SafeRecorder{rec: rec, logger: logger.With(zap.String("component", "usage"))}
}

// Record writes rec, logging and swallowing any failure
func (s *SafeRecorder) Record(ctx context.Context, rec models.UsageRecord) {
	if s == nil || s.rec == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("usage recorder panicked",
				zap.String("provider", rec.Provider),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()

	if err := s.rec.Record(ctx, rec); err != nil {
		s.logger.Warn("failed to record usage",
			zap.String("provider", rec.Provider),
			zap.Error(err),
		)
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
