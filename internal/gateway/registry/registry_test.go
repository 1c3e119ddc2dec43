package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func names(cs []Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Name
	}
	return out
}

func TestScore(t *testing.T) {
	tests := []struct {
		name string
		c    Candidate
		want float64
	}{
		{"priority only", Candidate{Priority: 3}, 3},
		{"failures", Candidate{Priority: 1, FailureCount: 2}, 11},
		{"latency", Candidate{Priority: 1, AvgResponseTime: 2.5}, 1.25},
		{"combined", Candidate{Priority: 4, FailureCount: 1, AvgResponseTime: 10}, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Score(tt.c), 1e-9)
		})
	}
}

func TestRegister(t *testing.T) {
	r := New()
	assert.True(t, r.Register("groq", 1))
	assert.False(t, r.Register("groq", 7))
	assert.Equal(t, 1, r.Len())

	c, ok := r.Get("groq")
	require.True(t, ok)
	assert.Equal(t, 1, c.Priority)
	assert.Zero(t, c.TotalCalls)
	assert.Nil(t, c.LastUsedAt)

	_, ok = r.Get("nope")
	assert.False(t, ok)
}

func TestOrdered(t *testing.T) {
	r := New()
	r.Register("c", 3)
	r.Register("a", 1)
	r.Register("b", 2)
	r.Register("tie", 2)

	assert.Equal(t, []string{"a", "b", "tie", "c"}, names(r.Ordered("")))
	assert.Equal(t, []string{"c", "a", "b", "tie"}, names(r.Ordered("c")))
	assert.Equal(t, []string{"a", "b", "tie", "c"}, names(r.Ordered("a")))
	assert.Equal(t, []string{"a", "b", "tie", "c"}, names(r.Ordered("unknown")))
}

func TestOrdered_FailuresDemote(t *testing.T) {
	r := New()
	r.Register("a", 1)
	r.Register("b", 2)

	r.RecordFailure("a")
	assert.Equal(t, []string{"b", "a"}, names(r.Ordered("")))

	r.RecordSuccess("a", 100*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, names(r.Ordered("")))
}

func TestRecordSuccess(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	r := New(WithClock(func() time.Time { return now }))
	r.Register("groq", 1)
	r.RecordFailure("groq")
	r.RecordFailure("groq")

	r.RecordSuccess("groq", 1*time.Second)
	r.RecordSuccess("groq", 2*time.Second)
	r.RecordSuccess("groq", 2*time.Second)

	c, _ := r.Get("groq")
	assert.Equal(t, 3, c.TotalCalls)
	assert.Equal(t, 1.667, c.AvgResponseTime)
	assert.Equal(t, 0, c.FailureCount, "failure count floors at zero")
	require.NotNil(t, c.LastUsedAt)
	assert.Equal(t, now, *c.LastUsedAt)
}

func TestRecord_UnknownIgnored(t *testing.T) {
	r := New()
	assert.NotPanics(t, func() {
		r.RecordSuccess("ghost", time.Second)
		r.RecordFailure("ghost")
	})
	assert.Zero(t, r.Len())
}

func TestSetPriority(t *testing.T) {
	r := New()
	r.Register("a", 1)
	r.Register("b", 2)

	require.NoError(t, r.SetPriority("a", 10))
	assert.Equal(t, []string{"b", "a"}, names(r.Ordered("")))
	assert.ErrorIs(t, r.SetPriority("ghost", 1), ErrUnknownProvider)
}

func TestSetPriorities_AllOrNothing(t *testing.T) {
	r := New()
	r.Register("a", 1)
	r.Register("b", 2)

	err := r.SetPriorities(map[string]int{"a": 9, "ghost": 1})
	assert.ErrorIs(t, err, ErrUnknownProvider)
	c, _ := r.Get("a")
	assert.Equal(t, 1, c.Priority)

	require.NoError(t, r.SetPriorities(map[string]int{"a": 9, "b": 3}))
	assert.Equal(t, []string{"b", "a"}, names(r.Ordered("")))
}

func TestSnapshotIsCopy(t *testing.T) {
	r := New()
	r.Register("a", 1)
	r.RecordSuccess("a", time.Second)

	snap := r.Snapshot()
	snap[0].Priority = 99
	*snap[0].LastUsedAt = time.Time{}

	c, _ := r.Get("a")
	assert.Equal(t, 1, c.Priority)
	assert.False(t, c.LastUsedAt.IsZero())
}

func TestConcurrentUpdates(t *testing.T) {
	r := New()
	r.Register("a", 1)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.RecordSuccess("a", 10*time.Millisecond)
		}()
		go func() {
			defer wg.Done()
			_ = r.Ordered("a")
		}()
	}
	wg.Wait()

	c, _ := r.Get("a")
	assert.Equal(t, 50, c.TotalCalls)
}
