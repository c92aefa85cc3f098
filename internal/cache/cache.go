// Package cache is the shared read-through query cache. Entries are keyed
// by resource, tenant and parameters so that invalidation can be confined
// to a single tenant.
package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Key identifies a cache entry.
type Key struct {
	Resource string
	TenantID string
	Params   string
}

// NewKey builds a key. Params are joined in order.
func NewKey(resource, tenantID string, params ...string) Key {
	return Key{Resource: resource, TenantID: tenantID, Params: strings.Join(params, "/")}
}

func (k Key) String() string {
	return k.Resource + "|" + k.TenantID + "|" + k.Params
}

// Logger is the subset of the application logger used by the cache.
type Logger interface {
	Debug(msg string, args ...any)
}

type entry struct {
	value     any
	updatedAt time.Time
}

type flight struct {
	cancel context.CancelFunc
	id     uint64
}

// Cache is safe for concurrent use. Values are stored as given and must not
// be mutated after being stored; callers replace values instead.
type Cache struct {
	mu       sync.Mutex
	entries  map[Key]entry
	inflight map[Key]flight
	nextID   uint64
	group    singleflight.Group
	logger   Logger
	now      func() time.Time
}

// New creates an empty cache.
func New(logger Logger) *Cache {
	return &Cache{
		entries:  make(map[Key]entry),
		inflight: make(map[Key]flight),
		logger:   logger,
		now:      time.Now,
	}
}

// Peek returns the cached value for key.
func (c *Cache) Peek(key Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e.value, ok
}

// Set stores value under key.
func (c *Cache) Set(key Key, value any) {
	c.mu.Lock()
	c.entries[key] = entry{value: value, updatedAt: c.now()}
	c.mu.Unlock()
}

// Restore puts back a snapshot taken with Peek. When the snapshot recorded
// no entry the key is removed.
func (c *Cache) Restore(key Key, value any, existed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !existed {
		delete(c.entries, key)
		return
	}
	c.entries[key] = entry{value: value, updatedAt: c.now()}
}

// Cancel aborts an in-flight fetch for key. The canceled fetch does not write
// its result into the cache. It reports whether a fetch was running.
func (c *Cache) Cancel(key Key) bool {
	c.mu.Lock()
	f, ok := c.inflight[key]
	if ok {
		delete(c.inflight, key)
	}
	c.mu.Unlock()
	if ok {
		f.cancel()
		c.debug("cache fetch canceled", "key", key.String())
	}
	return ok
}

// Invalidate removes key and cancels its in-flight fetch so the next read
// goes to the source.
func (c *Cache) Invalidate(key Key) {
	c.Cancel(key)
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidateTenant removes every entry belonging to tenantID and returns how
// many were dropped. Other tenants' entries are never touched.
func (c *Cache) InvalidateTenant(tenantID string) int {
	return c.invalidateWhere(func(k Key) bool { return k.TenantID == tenantID })
}

// InvalidateResource removes the entries of one resource within a tenant.
func (c *Cache) InvalidateResource(tenantID, resource string) int {
	return c.invalidateWhere(func(k Key) bool { return k.TenantID == tenantID && k.Resource == resource })
}

func (c *Cache) invalidateWhere(match func(Key) bool) int {
	c.mu.Lock()
	var cancels []context.CancelFunc
	for k, f := range c.inflight {
		if match(k) {
			cancels = append(cancels, f.cancel)
			delete(c.inflight, k)
		}
	}
	n := 0
	for k := range c.entries {
		if match(k) {
			delete(c.entries, k)
			n++
		}
	}
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return n
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Fetch returns the cached value for key or runs fn to load it. Concurrent
// fetches of one key share a single call to fn. The load runs detached from
// the caller's cancellation so other waiters still get the value; the caller
// stops waiting when ctx is done.
//
// A load canceled by an optimistic write or an invalidation never writes the
// cache. Waiters then get the value cached meanwhile or, when there is none,
// the result of a second load that is returned without being cached.
func (c *Cache) Fetch(ctx context.Context, key Key, fn func(ctx context.Context) (any, error)) (any, error) {
	if v, ok := c.Peek(key); ok {
		return v, nil
	}

	ch := c.group.DoChan(key.String(), func() (any, error) {
		v, current, err := c.load(ctx, key, fn)
		if current {
			if err != nil {
				return nil, err
			}
			c.Set(key, v)
			return v, nil
		}
		if cached, ok := c.Peek(key); ok {
			return cached, nil
		}
		c.debug("cache fetch reloading after cancel", "key", key.String())
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// load runs fn as the registered flight for key. current is false when the
// flight was canceled before fn returned.
func (c *Cache) load(ctx context.Context, key Key, fn func(ctx context.Context) (any, error)) (any, bool, error) {
	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	id := c.register(key, cancel)

	v, err := fn(fctx)
	current := c.unregister(key, id) && fctx.Err() == nil
	return v, current, err
}

func (c *Cache) register(key Key, cancel context.CancelFunc) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.inflight[key] = flight{cancel: cancel, id: c.nextID}
	return c.nextID
}

// unregister removes the flight and reports whether it was still the
// registered one (not canceled in the meantime).
func (c *Cache) unregister(key Key, id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.inflight[key]
	if !ok || f.id != id {
		return false
	}
	delete(c.inflight, key)
	return true
}

func (c *Cache) debug(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, args...)
	}
}

// Get is a typed Peek.
func Get[T any](c *Cache, key Key) (T, bool) {
	v, ok := c.Peek(key)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// Fetch is a typed read-through fetch.
func Fetch[T any](ctx context.Context, c *Cache, key Key, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	v, err := c.Fetch(ctx, key, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, errors.New("cache: unexpected value type for " + key.Resource)
	}
	return t, nil
}
