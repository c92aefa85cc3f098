package secure

import (
	"context"
	"errors"

	"nexflow-crm/backend/internal/cache"
	"nexflow-crm/backend/internal/tenant"
	"nexflow-crm/backend/pkg/models"
)

// Patch is an optimistic change to one cache entry.
type Patch struct {
	key   cache.Key
	apply func(current any) (any, bool)
}

// Optimistic builds a patch that replaces the cached value of key with
// fn(current). fn must return a new value and leave current untouched. The
// patch is skipped when nothing of type C is cached under key.
func Optimistic[C any](key cache.Key, fn func(current C) C) Patch {
	return Patch{
		key: key,
		apply: func(current any) (any, bool) {
			c, ok := current.(C)
			if !ok {
				return nil, false
			}
			return fn(c), true
		},
	}
}

// MutationSpec describes a tenant-scoped write.
type MutationSpec[In, Out any] struct {
	Name string
	Do   func(ctx context.Context, sess tenant.Session, in In) (Out, error)
	// ValidateTenant asserts that the result (when it is TenantScoped)
	// belongs to the session tenant.
	ValidateTenant bool
	// Optimistic returns the cache patches to apply before Do runs.
	Optimistic     func(sess tenant.Session, in In) []Patch
	SuccessMessage string
	ErrorMessage   string
}

type snapshot struct {
	key     cache.Key
	value   any
	existed bool
}

// Mutate runs a tenant-scoped write.
//
// Optimistic patches are applied first: the in-flight fetch for each key is
// canceled, the cached value is snapshotted and the patched value stored. On
// failure every snapshot is restored and an error notice emitted; failures
// are never retried. On success every cache entry of the session tenant is
// invalidated, and no other tenant's entries.
func Mutate[In, Out any](ctx context.Context, c *Client, m MutationSpec[In, Out], in In) (Out, error) {
	var zero Out
	notifier := notifierFrom(ctx, c.notifier)

	sess, ok := c.Session(ctx)
	if !ok {
		notifier.Failure(ctx, errorMessage(m), tenant.ErrNoTenant)
		return zero, tenant.ErrNoTenant
	}

	var snaps []snapshot
	if m.Optimistic != nil {
		snaps = c.applyOptimistic(m.Optimistic(sess, in))
	}

	out, err := m.Do(ctx, sess, in)
	if err == nil && m.ValidateTenant {
		if scoped, ok := any(out).(models.TenantScoped); ok {
			err = CheckTenant(sess, m.Name, scoped)
		}
	}
	if err != nil {
		c.rollback(snaps)
		var v *SecurityViolationError
		if errors.As(err, &v) {
			c.recordViolation(ctx, v)
		} else {
			c.logger.Warn("mutation failed", "mutation", m.Name, "tenant_id", sess.TenantID(), "error", err)
		}
		c.recordMutation(ctx, m.Name, "error")
		notifier.Failure(ctx, errorMessage(m), err)
		return zero, err
	}

	n := c.cache.InvalidateTenant(sess.TenantID())
	c.logger.Debug("mutation succeeded", "mutation", m.Name, "tenant_id", sess.TenantID(), "invalidated", n)
	c.recordMutation(ctx, m.Name, "success")
	if m.SuccessMessage != "" {
		notifier.Success(ctx, m.SuccessMessage)
	}
	return out, nil
}

func (c *Client) applyOptimistic(patches []Patch) []snapshot {
	snaps := make([]snapshot, 0, len(patches))
	for _, p := range patches {
		c.cache.Cancel(p.key)
		prev, existed := c.cache.Peek(p.key)
		snaps = append(snaps, snapshot{key: p.key, value: prev, existed: existed})
		if !existed {
			continue
		}
		if next, ok := p.apply(prev); ok {
			c.cache.Set(p.key, next)
		}
	}
	return snaps
}

func (c *Client) rollback(snaps []snapshot) {
	for i := len(snaps) - 1; i >= 0; i-- {
		s := snaps[i]
		c.cache.Restore(s.key, s.value, s.existed)
	}
}

func errorMessage[In, Out any](m MutationSpec[In, Out]) string {
	if m.ErrorMessage != "" {
		return m.ErrorMessage
	}
	return m.Name + " failed"
}
