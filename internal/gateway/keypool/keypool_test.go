package keypool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestPool(t *testing.T, keys map[string][]string) (*Pool, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	return New(keys, WithClock(clock.Now), WithLogger(zaptest.NewLogger(t))), clock
}

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		keys      map[string][]string
		providers []string
	}{
		{
			name:      "single provider",
			keys:      map[string][]string{"groq": {"k1", "k2"}},
			providers: []string{"groq"},
		},
		{
			name:      "names are normalized",
			keys:      map[string][]string{" Gemini ": {"k1"}},
			providers: []string{"gemini"},
		},
		{
			name:      "blank and duplicate keys dropped",
			keys:      map[string][]string{"groq": {"k1", " ", "k1"}, "cohere": {""}},
			providers: []string{"groq"},
		},
		{
			name:      "empty config",
			keys:      nil,
			providers: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool, _ := newTestPool(t, tt.keys)
			assert.Equal(t, tt.providers, pool.Providers())
		})
	}
}

func TestNextKey_RotationFairness(t *testing.T) {
	pool, _ := newTestPool(t, map[string][]string{"groq": {"k1", "k2", "k3", "k4"}})

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		key, ok := pool.NextKey("groq")
		require.True(t, ok)
		assert.False(t, seen[key], "key %s repeated before all keys were used", key)
		seen[key] = true
	}
	assert.Len(t, seen, 4)

	// the fifth call wraps around to the first key
	key, ok := pool.NextKey("groq")
	require.True(t, ok)
	assert.Equal(t, "k1", key)
}

func TestNextKey_SkipsExhausted(t *testing.T) {
	pool, _ := newTestPool(t, map[string][]string{"groq": {"k1", "k2", "k3"}})

	require.True(t, pool.MarkExhausted("groq", "k2"))

	var got []string
	for i := 0; i < 6; i++ {
		key, ok := pool.NextKey("groq")
		require.True(t, ok)
		got = append(got, key)
	}
	assert.Equal(t, []string{"k1", "k3", "k1", "k3", "k1", "k3"}, got)
	assert.Equal(t, 2, pool.ActiveKeyCount("groq"))
}

func TestNextKey_FullExhaustionTerminates(t *testing.T) {
	pool, _ := newTestPool(t, map[string][]string{"groq": {"k1", "k2", "k3"}})
	for _, k := range []string{"k1", "k2", "k3"} {
		pool.MarkExhausted("groq", k)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_, ok := pool.NextKey("groq")
			assert.False(t, ok)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("NextKey did not return with every key exhausted")
	}
	assert.Equal(t, 0, pool.ActiveKeyCount("groq"))
}

func TestNextKey_UnknownOrEmptyProvider(t *testing.T) {
	pool, _ := newTestPool(t, map[string][]string{"groq": {"k1"}})

	_, ok := pool.NextKey("cohere")
	assert.False(t, ok)
	assert.Equal(t, 0, pool.ActiveKeyCount("cohere"))
	assert.False(t, pool.Has("cohere"))
}

func TestNextKey_TracksUsage(t *testing.T) {
	pool, clock := newTestPool(t, map[string][]string{"groq": {"k1", "k2"}})

	pool.NextKey("groq")
	pool.NextKey("groq")
	pool.NextKey("groq")

	stats := pool.Stats()["groq"]
	assert.Equal(t, 3, stats.TotalRequestsToday)
	assert.Equal(t, 2, stats.Keys[0].RequestsToday)
	assert.Equal(t, 1, stats.Keys[1].RequestsToday)
	require.NotNil(t, stats.Keys[0].LastUsedAt)
	assert.True(t, stats.Keys[0].LastUsedAt.Equal(clock.Now()))
}

func TestMarkExhausted_Idempotent(t *testing.T) {
	pool, clock := newTestPool(t, map[string][]string{"groq": {"k1", "k2"}})

	require.True(t, pool.MarkExhausted("groq", "k1"))
	first := *pool.providers["groq"].entries[0].ExhaustedAt

	clock.Advance(time.Minute)
	require.True(t, pool.MarkExhausted("groq", "k1"))
	assert.Equal(t, first, *pool.providers["groq"].entries[0].ExhaustedAt)
	assert.Equal(t, 1, pool.ActiveKeyCount("groq"))

	assert.False(t, pool.MarkExhausted("groq", "missing"))
	assert.False(t, pool.MarkExhausted("cohere", "k1"))
}

func TestMarkExhaustedAt(t *testing.T) {
	pool, _ := newTestPool(t, map[string][]string{"groq": {"k1", "k2"}})

	assert.True(t, pool.MarkExhaustedAt("groq", 1))
	assert.False(t, pool.MarkExhaustedAt("groq", 2))
	assert.False(t, pool.MarkExhaustedAt("groq", -1))

	key, ok := pool.NextKey("groq")
	require.True(t, ok)
	assert.Equal(t, "k1", key)
	key, _ = pool.NextKey("groq")
	assert.Equal(t, "k1", key)
}

func TestResetDaily(t *testing.T) {
	pool, _ := newTestPool(t, map[string][]string{"groq": {"k1", "k2"}, "gemini": {"g1"}})

	pool.NextKey("groq")
	pool.NextKey("gemini")
	pool.MarkExhausted("groq", "k1")
	pool.MarkExhausted("gemini", "g1")

	pool.ResetDaily()

	assert.Equal(t, 2, pool.ActiveKeyCount("groq"))
	assert.Equal(t, 1, pool.ActiveKeyCount("gemini"))
	for _, s := range pool.Stats() {
		for _, k := range s.Keys {
			assert.Equal(t, 0, k.RequestsToday)
			assert.False(t, k.Exhausted)
		}
	}

	_, ok := pool.NextKey("gemini")
	assert.True(t, ok)
}

func TestNextKey_ImplicitResetOnDayRollover(t *testing.T) {
	pool, clock := newTestPool(t, map[string][]string{"groq": {"k1"}})

	pool.MarkExhausted("groq", "k1")
	_, ok := pool.NextKey("groq")
	require.False(t, ok)

	// same day: still exhausted
	clock.Advance(6 * time.Hour)
	_, ok = pool.NextKey("groq")
	require.False(t, ok)

	// next calendar day
	clock.Advance(6 * time.Hour)
	key, ok := pool.NextKey("groq")
	require.True(t, ok)
	assert.Equal(t, "k1", key)
	assert.Equal(t, 1, pool.Stats()["groq"].TotalRequestsToday)
}

func TestAddSharedKey(t *testing.T) {
	pool, _ := newTestPool(t, map[string][]string{"groq": {"k1"}})

	var created []string
	pool.OnNewProvider(func(name string) { created = append(created, name) })

	assert.True(t, pool.AddSharedKey("groq", "s1", SharedMeta{ExternalID: "1"}))
	assert.False(t, pool.AddSharedKey("groq", "s1", SharedMeta{ExternalID: "1"}), "duplicate value")
	assert.False(t, pool.AddSharedKey("groq", "k1", SharedMeta{}), "duplicate of static key")
	assert.Empty(t, created, "existing provider must not fire the hook")

	assert.True(t, pool.AddSharedKey("Mistral", "m1", SharedMeta{ExternalID: "2"}))
	assert.True(t, pool.AddSharedKey("mistral", "m2", SharedMeta{}))
	assert.Equal(t, []string{"mistral"}, created)

	assert.Equal(t, 2, pool.ActiveKeyCount("groq"))
	assert.Equal(t, 2, pool.ActiveKeyCount("mistral"))
	assert.True(t, pool.Stats()["groq"].Keys[1].Shared)

	assert.False(t, pool.AddSharedKey("", "x", SharedMeta{}))
	assert.False(t, pool.AddSharedKey("groq", "  ", SharedMeta{}))
}

func TestAddSharedKey_SeedsExhaustion(t *testing.T) {
	pool, _ := newTestPool(t, nil)

	require.True(t, pool.AddSharedKey("groq", "s1", SharedMeta{Exhausted: true}))
	_, ok := pool.NextKey("groq")
	assert.False(t, ok)

	pool.ResetDaily()
	key, ok := pool.NextKey("groq")
	require.True(t, ok)
	assert.Equal(t, "s1", key)
}

func TestPool_ConcurrentAccess(t *testing.T) {
	pool, _ := newTestPool(t, map[string][]string{"groq": {"k1", "k2", "k3"}})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if key, ok := pool.NextKey("groq"); ok && j%10 == 0 {
					pool.MarkExhausted("groq", key)
				}
				pool.ActiveKeyCount("groq")
				if i == 0 && j == 25 {
					pool.ResetDaily()
				}
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for _, k := range pool.Stats()["groq"].Keys {
		total += k.RequestsToday
	}
	assert.LessOrEqual(t, total, 20*50)
}
