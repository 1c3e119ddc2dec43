// Package keypool rotates API credentials per provider.
//
// Keys are handed out round-robin. A key flagged as exhausted (usually after a
// rate-limit response) is skipped until the next daily reset. Selection scans
// each provider's keys at most once, so a provider whose keys are all
// exhausted yields "no key" instead of spinning.
package keypool

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jexi-app/llm-router/internal/shared/logger"
	"go.uber.org/zap"
)

// Entry is one credential for one provider
type Entry struct {
	Value         string
	Exhausted     bool
	RequestsToday int
	LastUsedAt    *time.Time
	ExhaustedAt   *time.Time
	Shared        bool
	ExternalID    string
}

// SharedMeta seeds the state of a shared key loaded from persistence
type SharedMeta struct {
	ExternalID  string
	Exhausted   bool
	LastUsedAt  *time.Time
	ExhaustedAt *time.Time
}

// KeyStats describes one key without exposing its value
type KeyStats struct {
	Index         int        `json:"index"`
	RequestsToday int        `json:"requests_today"`
	Exhausted     bool       `json:"is_exhausted"`
	LastUsedAt    *time.Time `json:"last_used"`
	Shared        bool       `json:"is_shared"`
}

// ProviderKeyStats summarizes a provider's keys
type ProviderKeyStats struct {
	TotalKeys          int        `json:"total_keys"`
	ActiveKeys         int        `json:"active_keys"`
	TotalRequestsToday int        `json:"total_requests_today"`
	Keys               []KeyStats `json:"keys"`
}

type providerKeys struct {
	mu      sync.Mutex
	entries []*Entry
	cursor  int
}

// Pool holds the key rotation state for every provider
type Pool struct {
	mu        sync.Mutex
	providers map[string]*providerKeys
	lastReset time.Time
	onNew     []func(provider string)

	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Pool
type Option func(*Pool)

// WithClock overrides the time source, used for day rollover
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithLogger sets the pool logger
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a pool from statically configured keys
func New(static map[string][]string, opts ...Option) *Pool {
	p := &Pool{
		providers: make(map[string]*providerKeys),
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("component", "keypool"))
	p.lastReset = day(p.now())

	for provider, values := range static {
		name := normalize(provider)
		pk := p.providers[name]
		if pk == nil {
			pk = &providerKeys{}
			p.providers[name] = pk
		}
		for _, v := range values {
			if v = strings.TrimSpace(v); v == "" || pk.find(v) >= 0 {
				continue
			}
			pk.entries = append(pk.entries, &Entry{Value: v})
		}
		if len(pk.entries) == 0 {
			delete(p.providers, name)
		}
	}

	return p
}

// OnNewProvider registers fn to be called when AddSharedKey creates a provider
// that had no keys before
func (p *Pool) OnNewProvider(fn func(provider string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onNew = append(p.onNew, fn)
}

// NextKey returns the next non-exhausted key for provider in round-robin order.
// It reports false when the provider has no keys or every key is exhausted.
func (p *Pool) NextKey(provider string) (string, bool) {
	p.maybeReset()

	pk := p.get(provider)
	if pk == nil {
		return "", false
	}

	pk.mu.Lock()
	defer pk.mu.Unlock()

	total := len(pk.entries)
	if total == 0 {
		return "", false
	}

	start := pk.cursor % total
	for offset := 0; offset < total; offset++ {
		idx := (start + offset) % total
		entry := pk.entries[idx]
		if entry.Exhausted {
			continue
		}
		now := p.now().UTC()
		entry.RequestsToday++
		entry.LastUsedAt = &now
		pk.cursor = (idx + 1) % total
		return entry.Value, true
	}

	return "", false
}

// MarkExhausted flags the key with the given value. It reports whether the key exists.
func (p *Pool) MarkExhausted(provider, value string) bool {
	pk := p.get(provider)
	if pk == nil {
		return false
	}

	pk.mu.Lock()
	defer pk.mu.Unlock()

	idx := pk.find(value)
	if idx < 0 {
		return false
	}
	p.exhaust(pk.entries[idx])
	p.logger.Info("key marked exhausted",
		zap.String("provider", normalize(provider)),
		zap.String("key", logger.MaskKey(value)))
	return true
}

// MarkExhaustedAt flags the key at index. It reports whether the index is valid.
func (p *Pool) MarkExhaustedAt(provider string, index int) bool {
	pk := p.get(provider)
	if pk == nil {
		return false
	}

	pk.mu.Lock()
	defer pk.mu.Unlock()

	if index < 0 || index >= len(pk.entries) {
		return false
	}
	p.exhaust(pk.entries[index])
	return true
}

// exhaust keeps the first exhaustion time on repeated calls
func (p *Pool) exhaust(e *Entry) {
	if e.Exhausted {
		return
	}
	now := p.now().UTC()
	e.Exhausted = true
	e.ExhaustedAt = &now
}

// ResetDaily clears exhaustion flags and daily counters for every provider
func (p *Pool) ResetDaily() {
	p.mu.Lock()
	p.lastReset = day(p.now())
	all := p.snapshot()
	p.mu.Unlock()

	p.resetEntries(all)
}

// maybeReset resets all keys once the calendar day has rolled over
func (p *Pool) maybeReset() {
	p.mu.Lock()
	today := day(p.now())
	if today.Equal(p.lastReset) {
		p.mu.Unlock()
		return
	}
	p.lastReset = today
	all := p.snapshot()
	p.mu.Unlock()

	p.resetEntries(all)
}

func (p *Pool) resetEntries(all map[string]*providerKeys) {
	for _, pk := range all {
		pk.mu.Lock()
		for _, e := range pk.entries {
			e.Exhausted = false
			e.RequestsToday = 0
			e.ExhaustedAt = nil
		}
		pk.mu.Unlock()
	}

	p.logger.Info("daily key reset", zap.Int("providers", len(all)))
}

// AddSharedKey appends a user-contributed key, skipping values already in the
// pool. Unknown providers get a new pool. It reports whether a key was added.
func (p *Pool) AddSharedKey(provider, value string, meta SharedMeta) bool {
	name := normalize(provider)
	value = strings.TrimSpace(value)
	if name == "" || value == "" {
		return false
	}

	p.mu.Lock()
	pk, existed := p.providers[name]
	if !existed {
		pk = &providerKeys{}
		p.providers[name] = pk
	}
	hooks := append([]func(string){}, p.onNew...)
	p.mu.Unlock()

	pk.mu.Lock()
	if pk.find(value) >= 0 {
		pk.mu.Unlock()
		return false
	}
	pk.entries = append(pk.entries, &Entry{
		Value:       value,
		Exhausted:   meta.Exhausted,
		LastUsedAt:  meta.LastUsedAt,
		ExhaustedAt: meta.ExhaustedAt,
		Shared:      true,
		ExternalID:  meta.ExternalID,
	})
	first := len(pk.entries) == 1
	pk.mu.Unlock()

	p.logger.Info("shared key added",
		zap.String("provider", name),
		zap.String("external_id", meta.ExternalID))

	if first {
		for _, fn := range hooks {
			fn(name)
		}
	}
	return true
}

// ActiveKeyCount returns how many non-exhausted keys remain for provider
func (p *Pool) ActiveKeyCount(provider string) int {
	pk := p.get(provider)
	if pk == nil {
		return 0
	}

	pk.mu.Lock()
	defer pk.mu.Unlock()

	n := 0
	for _, e := range pk.entries {
		if !e.Exhausted {
			n++
		}
	}
	return n
}

// Has reports whether provider has at least one key, exhausted or not
func (p *Pool) Has(provider string) bool {
	pk := p.get(provider)
	if pk == nil {
		return false
	}
	pk.mu.Lock()
	defer pk.mu.Unlock()
	return len(pk.entries) > 0
}

// Providers lists provider names with a key pool, sorted
func (p *Pool) Providers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.providers))
	for name := range p.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns per-provider key usage
func (p *Pool) Stats() map[string]ProviderKeyStats {
	p.mu.Lock()
	all := p.snapshot()
	p.mu.Unlock()

	stats := make(map[string]ProviderKeyStats, len(all))
	for name, pk := range all {
		pk.mu.Lock()
		s := ProviderKeyStats{
			TotalKeys: len(pk.entries),
			Keys:      make([]KeyStats, 0, len(pk.entries)),
		}
		for i, e := range pk.entries {
			if !e.Exhausted {
				s.ActiveKeys++
			}
			s.TotalRequestsToday += e.RequestsToday
			s.Keys = append(s.Keys, KeyStats{
				Index:         i,
				RequestsToday: e.RequestsToday,
				Exhausted:     e.Exhausted,
				LastUsedAt:    e.LastUsedAt,
				Shared:        e.Shared,
			})
		}
		pk.mu.Unlock()
		stats[name] = s
	}
	return stats
}

func (p *Pool) get(provider string) *providerKeys {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.providers[normalize(provider)]
}

// snapshot copies the provider map, callers hold p.mu
func (p *Pool) snapshot() map[string]*providerKeys {
	out := make(map[string]*providerKeys, len(p.providers))
	for k, v := range p.providers {
		out[k] = v
	}
	return out
}

func (pk *providerKeys) find(value string) int {
	for i, e := range pk.entries {
		if e.Value == value {
			return i
		}
	}
	return -1
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

// day truncates t to midnight in its own location
func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
