// Package registry ranks the providers the router may call.
//
// Every provider carries runtime statistics that feed its score. Failures
// push a provider down the list and successes slowly pull it back up, so a
// provider that recovers is not penalized forever.
package registry

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"
)

// ErrUnknownProvider is returned when a provider has not been registered
var ErrUnknownProvider = errors.New("unknown provider")

const (
	// FailurePenalty is the score cost of one outstanding failure
	FailurePenalty = 5.0
	// LatencyWeight is the score cost of one second of average latency
	LatencyWeight = 0.1
)

// Candidate is a snapshot of one provider's ranking inputs
type Candidate struct {
	Name            string     `json:"name"`
	Priority        int        `json:"priority"`
	FailureCount    int        `json:"failure_count"`
	AvgResponseTime float64    `json:"avg_response_time"`
	TotalCalls      int        `json:"total_calls"`
	LastUsedAt      *time.Time `json:"last_used"`
}

// Score ranks c, lower is better
func Score(c Candidate) float64 {
	return float64(c.Priority) + float64(c.FailureCount)*FailurePenalty + c.AvgResponseTime*LatencyWeight
}

// Registry holds the live candidate list in registration order
type Registry struct {
	mu         sync.Mutex
	candidates []*Candidate
	index      map[string]*Candidate

	now func() time.Time
}

// Option configures a Registry
type Option func(*Registry)

// WithClock overrides the time source used for LastUsedAt
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry
func New(opts ...Option) *Registry {
	r := &Registry{
		index: make(map[string]*Candidate),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a provider with zeroed statistics. It returns false if the
// provider is already registered.
func (r *Registry) Register(name string, priority int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.index[name]; ok {
		return false
	}
	c := &Candidate{Name: name, Priority: priority}
	r.candidates = append(r.candidates, c)
	r.index[name] = c
	return true
}

// Ordered returns candidates sorted by score. Equal scores keep registration
// order. A registered preferred provider is moved to the front.
func (r *Registry) Ordered(preferred string) []Candidate {
	out := r.Snapshot()

	sort.SliceStable(out, func(i, j int) bool {
		return Score(out[i]) < Score(out[j])
	})

	if preferred == "" {
		return out
	}
	for i, c := range out {
		if c.Name == preferred {
			copy(out[1:i+1], out[:i])
			out[0] = c
			break
		}
	}
	return out
}

// RecordSuccess folds elapsed into the running mean and decays the failure count
func (r *Registry) RecordSuccess(name string, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.index[name]
	if !ok {
		return
	}
	c.TotalCalls++
	n := float64(c.TotalCalls)
	c.AvgResponseTime = round3((c.AvgResponseTime*(n-1) + elapsed.Seconds()) / n)
	if c.FailureCount > 0 {
		c.FailureCount--
	}
	now := r.now()
	c.LastUsedAt = &now
}

// RecordFailure counts one failure against name
func (r *Registry) RecordFailure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.index[name]; ok {
		c.FailureCount++
	}
}

// SetPriority changes the baseline priority of name
func (r *Registry) SetPriority(name string, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.index[name]
	if !ok {
		return ErrUnknownProvider
	}
	c.Priority = priority
	return nil
}

// SetPriorities applies every update or none of them
func (r *Registry) SetPriorities(priorities map[string]int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name := range priorities {
		if _, ok := r.index[name]; !ok {
			return ErrUnknownProvider
		}
	}
	for name, p := range priorities {
		r.index[name].Priority = p
	}
	return nil
}

// Get returns a snapshot of one candidate
func (r *Registry) Get(name string) (Candidate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.index[name]
	if !ok {
		return Candidate{}, false
	}
	return copyCandidate(c), true
}

// Snapshot returns every candidate in registration order
func (r *Registry) Snapshot() []Candidate {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Candidate, len(r.candidates))
	for i, c := range r.candidates {
		out[i] = copyCandidate(c)
	}
	return out
}

// Len returns the number of registered providers
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.candidates)
}

func copyCandidate(c *Candidate) Candidate {
	out := *c
	if c.LastUsedAt != nil {
		t := *c.LastUsedAt
		out.LastUsedAt = &t
	}
	return out
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
