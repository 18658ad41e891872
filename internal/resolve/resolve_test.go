package resolve

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/product-scout/internal/config"
	"github.com/sells-group/product-scout/internal/model"
	"github.com/sells-group/product-scout/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() config.ResolverConfig {
	return config.ResolverConfig{
		SimilarityThreshold: 0.85,
		AmbiguityEpsilon:    0.02,
		BucketPrefixLen:     3,
		Stopwords:           config.DefaultStopwords,
	}
}

func newTestResolver(t *testing.T) (*Resolver, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "resolve.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	r := New(st, NewLocker(), testConfig())
	r.nowFunc = func() time.Time { return t0 }
	return r, st
}

func signal(source, nativeID, name, category string) model.RawSignal {
	return model.RawSignal{
		Source:     source,
		NativeID:   nativeID,
		Name:       name,
		Category:   category,
		Metrics:    map[string]float64{"views": 100},
		ObservedAt: t0,
	}
}

func TestNormalizer(t *testing.T) {
	n := NewNormalizer(config.DefaultStopwords)

	tests := []struct {
		name     string
		input    string
		normal   string
		matchKey string
	}{
		{"case and punctuation", "Portable Blender!!", "portable blender", "blender portable"},
		{"diacritics", "Crème Brûlée Torch", "creme brulee torch", "brulee creme torch"},
		{"stopwords", "The BEST Portable Blender for Smoothies", "portable blender smoothies", "blender portable smoothies"},
		{"whitespace", "  mini\t\tfan  ", "mini fan", "fan mini"},
		{"only stopwords", "The Best", "the best", "best the"},
		{"digits kept", "LED Strip 5m", "led strip 5m", "5m led strip"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.normal, n.Normalize(tt.input))
			assert.Equal(t, tt.matchKey, n.MatchKey(tt.input))
		})
	}
}

func TestMatchKey_OrderInsensitive(t *testing.T) {
	n := NewNormalizer(nil)
	assert.Equal(t, n.MatchKey("Blender Portable"), n.MatchKey("portable, BLENDER"))
}

func TestMatchKey_SymbolOnlyNames(t *testing.T) {
	n := NewNormalizer(config.DefaultStopwords)
	assert.Equal(t, "🔥🔥🔥", n.MatchKey("🔥🔥🔥"))
	assert.Equal(t, "!!!???", n.MatchKey("!!! ???"))
	assert.NotEqual(t, n.MatchKey("🔥🔥🔥"), n.MatchKey("!!! ???"))
}

func TestBucket(t *testing.T) {
	assert.Equal(t, "ble", Bucket("blender portable", 3))
	assert.Equal(t, "ab", Bucket("ab", 3))
	assert.Equal(t, "çaf", Bucket("çafé", 3))
	assert.Equal(t, "", Bucket("anything", 0))
}

func TestLocker_SerializesSameKey(t *testing.T) {
	l := NewLocker()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock(ProductKey("p1"))
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
	assert.Zero(t, l.Held())
}

func TestLocker_IndependentKeys(t *testing.T) {
	l := NewLocker()
	unlockA := l.Lock(BucketKey("kitchen", "ble"))
	done := make(chan struct{})
	go func() {
		unlockB := l.Lock(ProductKey("p1"))
		unlockB()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
	assert.Equal(t, 1, l.Held())
	unlockA()
	assert.Zero(t, l.Held())
}

func TestResolve_CreatesThenBindsExactly(t *testing.T) {
	r, st := newTestResolver(t)
	ctx := context.Background()

	first, err := r.Resolve(ctx, signal("tiktok", "v1", "Portable Blender", "Kitchen"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, first.Outcome)
	assert.Equal(t, "kitchen", first.Product.Category)
	assert.Equal(t, "blender portable", first.Product.MatchKey)
	assert.Equal(t, "ble", first.Product.Bucket)

	r.nowFunc = func() time.Time { return t0.Add(time.Hour) }
	again, err := r.Resolve(ctx, signal("tiktok", "v1", "Totally Different Name", "garden"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBound, again.Outcome)
	assert.Equal(t, first.Product.ID, again.Product.ID)
	// Exact hits write nothing.
	assert.True(t, again.Product.LastUpdatedAt.Equal(t0))

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Products)
}

func TestResolve_FuzzyMatchAcrossSources(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	a, err := r.Resolve(ctx, signal("tiktok", "v1", "Portable Blender", "kitchen"))
	require.NoError(t, err)

	b, err := r.Resolve(ctx, signal("amazon", "B0X", "portable blendr", "kitchen"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMatched, b.Outcome)
	assert.Equal(t, a.Product.ID, b.Product.ID)
	assert.Greater(t, b.Score, 0.85)
	assert.Len(t, b.Product.Bindings, 2)

	c, err := r.Resolve(ctx, signal("shopify", "s1", "Blender, Portable!", "kitchen"))
	require.NoError(t, err)
	assert.Equal(t, a.Product.ID, c.Product.ID)
	assert.InDelta(t, 1.0, c.Score, 1e-9)
}

func TestResolve_BelowThresholdCreates(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	a, err := r.Resolve(ctx, signal("tiktok", "v1", "Portable Blender", "kitchen"))
	require.NoError(t, err)
	b, err := r.Resolve(ctx, signal("tiktok", "v2", "Portable Blender Mini Bottle", "kitchen"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, b.Outcome)
	assert.NotEqual(t, a.Product.ID, b.Product.ID)
}

func TestResolve_SymbolOnlyNamesStayDistinct(t *testing.T) {
	r, st := newTestResolver(t)
	ctx := context.Background()

	a, err := r.Resolve(ctx, signal("tiktok", "E1", "🔥🔥🔥", "gadgets"))
	require.NoError(t, err)
	b, err := r.Resolve(ctx, signal("amazon", "Z9", "!!! ???", "gadgets"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, b.Outcome)
	assert.NotEqual(t, a.Product.ID, b.Product.ID)

	// The same symbol name from another source still matches.
	c, err := r.Resolve(ctx, signal("amazon", "Z10", "🔥🔥🔥", "gadgets"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMatched, c.Outcome)
	assert.Equal(t, a.Product.ID, c.Product.ID)

	products, err := st.ListProducts(ctx, store.ProductFilter{Category: "gadgets"})
	require.NoError(t, err)
	assert.Len(t, products, 2)
}

func TestResolve_CategoryIsolatesCandidates(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	a, err := r.Resolve(ctx, signal("tiktok", "v1", "Portable Blender", "kitchen"))
	require.NoError(t, err)
	b, err := r.Resolve(ctx, signal("tiktok", "v2", "Portable Blender", "outdoor"))
	require.NoError(t, err)
	assert.NotEqual(t, a.Product.ID, b.Product.ID)
}

func TestResolve_TieBreaksOnRecencyThenID(t *testing.T) {
	r, st := newTestResolver(t)
	ctx := context.Background()

	seed := func(id string, updated time.Time, nativeID string) {
		require.NoError(t, st.CreateProduct(ctx, model.Product{
			ID: id, CanonicalName: "Portable Blender", Category: "kitchen",
			MatchKey: "blender portable", Bucket: "ble", CreatedAt: t0, LastUpdatedAt: updated,
		}, model.SourceBinding{Source: "seed", NativeID: nativeID, BoundAt: updated}))
	}
	seed("p-old", t0.Add(-2*time.Hour), "1")
	seed("p-new", t0.Add(-time.Hour), "2")
	seed("p-a", t0.Add(-3*time.Hour), "3")

	res, err := r.Resolve(ctx, signal("tiktok", "v9", "portable blender", "kitchen"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMatched, res.Outcome)
	assert.Equal(t, "p-new", res.Product.ID)
	assert.True(t, res.Ambiguous)

	ranked := r.Rank("blender portable", []model.Product{
		{ID: "b", MatchKey: "blender portable", LastUpdatedAt: t0},
		{ID: "a", MatchKey: "blender portable", LastUpdatedAt: t0},
	})
	assert.Equal(t, "a", ranked[0].Product.ID)
}

func TestResolve_IdentityStableUnderReplay(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	a := signal("tiktok", "v1", "Portable Blender", "kitchen")
	b := signal("amazon", "B0X", "Portable Blender", "kitchen")

	ra, err := r.Resolve(ctx, a)
	require.NoError(t, err)
	rb, err := r.Resolve(ctx, b)
	require.NoError(t, err)
	require.Equal(t, ra.Product.ID, rb.Product.ID)

	for _, sig := range []model.RawSignal{b, a, b, a} {
		res, err := r.Resolve(ctx, sig)
		require.NoError(t, err)
		assert.Equal(t, ra.Product.ID, res.Product.ID)
		assert.Equal(t, OutcomeBound, res.Outcome)
	}
}

func TestResolve_ConcurrentSamePair(t *testing.T) {
	r, st := newTestResolver(t)
	ctx := context.Background()

	ids := make([]string, 8)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.Resolve(ctx, signal("tiktok", "v1", "Portable Blender", "kitchen"))
			if assert.NoError(t, err) {
				ids[i] = res.Product.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Products)
}

func TestResolve_InvalidSignal(t *testing.T) {
	r, _ := newTestResolver(t)
	_, err := r.Resolve(context.Background(), signal("tiktok", "", "Portable Blender", "kitchen"))
	require.Error(t, err)
	var ie *model.IngestError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, "native_id", ie.Field)
}
