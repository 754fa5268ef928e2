package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSetRoundTrip(t *testing.T) {
	c := New()
	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("k", "v", time.Minute)
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestGetExpires(t *testing.T) {
	restore := freezeNow(time.Now())
	defer restore()

	c := New()
	c.Set("k", "v", 10*time.Millisecond)
	_, ok := c.Get("k")
	require.True(t, ok)

	advanceNow(20 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok, "entry should have expired")
}

func TestGetOrLoadCachesResult(t *testing.T) {
	c := New()
	var calls int32
	loader := func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "loaded", nil
	}

	v, shared, err := c.GetOrLoad(context.Background(), "id", time.Minute, loader)
	require.NoError(t, err)
	assert.False(t, shared)
	assert.Equal(t, "loaded", v)

	v, shared, err = c.GetOrLoad(context.Background(), "id", time.Minute, loader)
	require.NoError(t, err)
	assert.Equal(t, "loaded", v)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "loader should run once; second call must hit the cache")
	_ = shared
}

func TestGetOrLoadCollapsesConcurrentLoads(t *testing.T) {
	c := New()
	var calls int32
	release := make(chan struct{})
	loader := func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "ok", nil
	}

	const n = 16
	var wg sync.WaitGroup
	results := make([]any, n)
	errs := make([]error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			v, _, err := c.GetOrLoad(context.Background(), "shared-key", time.Minute, loader)
			results[i] = v
			errs[i] = err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "ok", results[i])
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "concurrent loads for the same key must collapse to one loader call")
}

func TestGetOrLoadPropagatesLoaderError(t *testing.T) {
	c := New()
	wantErr := assert.AnError
	_, _, err := c.GetOrLoad(context.Background(), "k", time.Minute, func(context.Context) (any, error) {
		return nil, wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	// A failed load must not poison the cache for a subsequent attempt.
	v, _, err := c.GetOrLoad(context.Background(), "k", time.Minute, func(context.Context) (any, error) {
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", v)
}

// freezeNow and advanceNow let tests control the package's time source
// deterministically instead of sleeping past real TTLs.
func freezeNow(t time.Time) (restore func()) {
	orig := now
	cur := t
	now = func() time.Time { return cur }
	return func() { now = orig }
}

func advanceNow(d time.Duration) {
	cur := now()
	next := cur.Add(d)
	now = func() time.Time { return next }
}
