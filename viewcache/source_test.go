package viewcache_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/calcgrid/go-libviewcache/apierror"
	"github.com/calcgrid/go-libviewcache/viewcache"
	"github.com/stretchr/testify/require"
)

func TestGetCacheSameInstance(t *testing.T) {
	src, err := viewcache.NewSource()
	require.NoError(t, err)

	c1, err := src.GetCache("ViewX", "Default", 100)
	require.NoError(t, err)
	require.NotNil(t, c1)

	c2, err := src.GetCache("ViewX", "Default", 100)
	require.NoError(t, err)
	require.Same(t, c1, c2)

	c3, err := src.GetCache("ViewX", "Other", 100)
	require.NoError(t, err)
	require.NotSame(t, c1, c3)
	require.Equal(t, 2, src.Len())
}

func TestGetCacheInvalidKey(t *testing.T) {
	src, err := viewcache.NewSource()
	require.NoError(t, err)

	_, err = src.GetCache("", "Default", 100)
	require.True(t, apierror.Is(err, apierror.InvalidArgument))

	_, err = src.GetCache("ViewX", "", 100)
	require.True(t, apierror.Is(err, apierror.InvalidArgument))

	_, err = src.CloneCache("", "Default", 100)
	require.True(t, apierror.Is(err, apierror.InvalidArgument))
	require.Zero(t, src.Len())
}

func TestReleaseCaches(t *testing.T) {
	src, err := viewcache.NewSource()
	require.NoError(t, err)

	c, err := src.GetCache("ViewX", "Default", 100)
	require.NoError(t, err)
	c.PutValue(1, []byte("42"))

	v, ok := c.GetValue(1)
	require.True(t, ok)
	require.Equal(t, []byte("42"), v)

	_, err = src.GetCache("ViewX", "Secondary", 100)
	require.NoError(t, err)
	keep1, err := src.GetCache("ViewX", "Default", 200)
	require.NoError(t, err)
	keep2, err := src.GetCache("ViewY", "Default", 100)
	require.NoError(t, err)

	require.Equal(t, 2, src.ReleaseCaches("ViewX", 100))

	fresh, err := src.GetCache("ViewX", "Default", 100)
	require.NoError(t, err)
	require.NotSame(t, c, fresh)
	_, ok = fresh.GetValue(1)
	require.False(t, ok)

	same1, err := src.GetCache("ViewX", "Default", 200)
	require.NoError(t, err)
	require.Same(t, keep1, same1)
	same2, err := src.GetCache("ViewY", "Default", 100)
	require.NoError(t, err)
	require.Same(t, keep2, same2)

	// Nothing to release is not an error.
	require.Zero(t, src.ReleaseCaches("NoSuchView", 100))
	require.Zero(t, src.ReleaseCaches("ViewX", 300))
}

func TestReleaseHook(t *testing.T) {
	type release struct {
		view string
		ts   int64
		n    int
	}
	var got []release
	src, err := viewcache.NewSource(viewcache.WithReleaseHook(func(view string, ts int64, n int) {
		got = append(got, release{view, ts, n})
	}))
	require.NoError(t, err)

	_, err = src.GetCache("V", "A", 5)
	require.NoError(t, err)
	_, err = src.GetCache("V", "B", 5)
	require.NoError(t, err)

	src.ReleaseCaches("V", 5)
	src.ReleaseCaches("V", 5)
	require.Equal(t, []release{{"V", 5, 2}}, got)
	require.Empty(t, src.Keys())
}

func TestCloneCache(t *testing.T) {
	src, err := viewcache.NewSource()
	require.NoError(t, err)

	c, err := src.GetCache("ViewX", "Default", 1)
	require.NoError(t, err)
	c.PutValue(1, []byte("before"))

	snap, err := src.CloneCache("ViewX", "Default", 1)
	require.NoError(t, err)
	c.PutValue(1, []byte("after"))

	v, ok := snap.GetValue(1)
	require.True(t, ok)
	require.Equal(t, []byte("before"), v)
}

func TestKeys(t *testing.T) {
	src, err := viewcache.NewSource()
	require.NoError(t, err)

	for _, k := range []viewcache.Key{{"B", "x", 2}, {"A", "y", 1}, {"A", "x", 3}, {"A", "x", 1}} {
		_, err = src.GetCache(k.View, k.CalcConfig, k.Timestamp)
		require.NoError(t, err)
	}
	require.Equal(t, []viewcache.Key{{"A", "x", 1}, {"A", "x", 3}, {"A", "y", 1}, {"B", "x", 2}}, src.Keys())
	require.Equal(t, "A/x/1", src.Keys()[0].String())
}

func TestGetCacheConcurrent(t *testing.T) {
	src, err := viewcache.NewSource()
	require.NoError(t, err)

	const goroutines = 16
	caches := make([]*viewcache.Cache, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := src.GetCache("ViewX", "Default", 42)
			if err != nil {
				panic(err)
			}
			caches[i] = c
			// Unrelated keys at the same time.
			_, _ = src.GetCache("ViewX", fmt.Sprint("cfg", i), 42)
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		require.Same(t, caches[0], caches[i])
	}
	require.Equal(t, goroutines+1, src.Len())
	require.Equal(t, goroutines+1, src.ReleaseCaches("ViewX", 42))
}
