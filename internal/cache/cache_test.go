package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchCachesValue(t *testing.T) {
	c := New(nil)
	key := NewKey("flows", "t1")
	calls := 0
	load := func(context.Context) ([]string, error) {
		calls++
		return []string{"a"}, nil
	}
	v, err := Fetch(context.Background(), c, key, load)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, v)
	_, err = Fetch(context.Background(), c, key, load)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestFetchErrorIsNotCached(t *testing.T) {
	c := New(nil)
	key := NewKey("flows", "t1")
	_, err := c.Fetch(context.Background(), key, func(context.Context) (any, error) {
		return nil, errors.New("down")
	})
	require.Error(t, err)
	assert.Zero(t, c.Len())
}

func TestConcurrentFetchesShareOneLoad(t *testing.T) {
	c := New(nil)
	key := NewKey("board", "t1", "f1")
	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Fetch(context.Background(), key, func(context.Context) (any, error) {
				calls.Add(1)
				<-release
				return "board", nil
			})
			assert.NoError(t, err)
			assert.Equal(t, "board", v)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestCancelDropsStaleResult(t *testing.T) {
	c := New(nil)
	key := NewKey("board", "t1", "f1")
	started := make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := c.Fetch(context.Background(), key, func(ctx context.Context) (any, error) {
			close(started)
			<-ctx.Done()
			return "stale", nil
		})
		done <- err
	}()
	<-started
	c.Set(key, "optimistic")
	require.True(t, c.Cancel(key))

	require.NoError(t, <-done)
	v, ok := c.Peek(key)
	require.True(t, ok)
	assert.Equal(t, "optimistic", v, "a canceled fetch never overwrites the cache")
}

func TestInvalidatedFetchReloads(t *testing.T) {
	c := New(nil)
	key := NewKey("board", "t1", "f1")
	started := make(chan struct{})
	var calls atomic.Int32
	done := make(chan struct {
		v   any
		err error
	}, 1)
	go func() {
		v, err := c.Fetch(context.Background(), key, func(ctx context.Context) (any, error) {
			if calls.Add(1) == 1 {
				close(started)
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return "fresh", nil
		})
		done <- struct {
			v   any
			err error
		}{v, err}
	}()
	<-started
	c.Invalidate(key)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "fresh", res.v)
	assert.Equal(t, int32(2), calls.Load())
	assert.Zero(t, c.Len(), "the reloaded value is not cached")
}

func TestCallerCancelStillFails(t *testing.T) {
	c := New(nil)
	key := NewKey("board", "t1", "f1")
	release := make(chan struct{})
	defer close(release)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Fetch(ctx, key, func(context.Context) (any, error) {
		<-release
		return "late", nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInvalidateTenantIsScoped(t *testing.T) {
	c := New(nil)
	c.Set(NewKey("flows", "t1"), 1)
	c.Set(NewKey("board", "t1", "f1"), 2)
	c.Set(NewKey("flows", "t2"), 3)

	assert.Equal(t, 2, c.InvalidateTenant("t1"))
	assert.Equal(t, 1, c.Len())
	_, ok := c.Peek(NewKey("flows", "t2"))
	assert.True(t, ok)
}

func TestInvalidateResource(t *testing.T) {
	c := New(nil)
	c.Set(NewKey("flows", "t1"), 1)
	c.Set(NewKey("board", "t1", "f1"), 2)
	c.Set(NewKey("board", "t2", "f1"), 3)
	assert.Equal(t, 1, c.InvalidateResource("t1", "board"))
	assert.Equal(t, 2, c.Len())
}

func TestRestore(t *testing.T) {
	c := New(nil)
	key := NewKey("flows", "t1")
	c.Set(key, "patched")
	c.Restore(key, nil, false)
	_, ok := c.Peek(key)
	assert.False(t, ok)

	c.Restore(key, "original", true)
	v, ok := Get[string](c, key)
	require.True(t, ok)
	assert.Equal(t, "original", v)
}

func TestFetchReturnsWhenCallerGivesUp(t *testing.T) {
	c := New(nil)
	key := NewKey("flows", "t1")
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	defer close(release)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Fetch(ctx, key, func(context.Context) (any, error) {
			<-release
			return "late", nil
		})
		errc <- err
	}()
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "board|t1|f1/principal=u1", NewKey("board", "t1", "f1", "principal=u1").String())
}
