package secure

import (
	"context"
	"errors"

	"nexflow-crm/backend/internal/cache"
	"nexflow-crm/backend/internal/tenant"
	"nexflow-crm/backend/pkg/models"
)

// Composite is implemented by values that aggregate tenant-scoped records
// (a board holds cards). Tenant validation checks every nested record.
type Composite interface {
	TenantRecords() []models.TenantScoped
}

// QuerySpec describes a tenant-scoped list query.
type QuerySpec[T models.TenantScoped] struct {
	Resource string
	Params   []string
	// PerPrincipal adds the principal id to the cache key for results that
	// depend on who is asking (visibility, personal inboxes).
	PerPrincipal bool
	// ValidateTenant fails the query if any returned record belongs to
	// another tenant.
	ValidateTenant bool
	Fetch          func(ctx context.Context, sess tenant.Session) ([]T, error)
}

// Query runs a tenant-scoped list query through the cache.
//
// Without a selected tenant the fetch function is not called and the query
// returns nil with ErrQueryDisabled. A foreign-tenant record fails the whole
// query; nothing from that response is returned or cached.
func Query[T models.TenantScoped](ctx context.Context, c *Client, q QuerySpec[T]) ([]T, error) {
	sess, ok := c.Session(ctx)
	if !ok {
		return nil, ErrQueryDisabled
	}
	key := queryKey(c, sess, q.Resource, q.Params, q.PerPrincipal)

	rows, err := cache.Fetch(ctx, c.cache, key, func(ctx context.Context) ([]T, error) {
		rows, err := q.Fetch(ctx, sess)
		if err != nil {
			return nil, err
		}
		if q.ValidateTenant {
			if err := CheckTenant(sess, q.Resource, rows...); err != nil {
				return nil, err
			}
		}
		return rows, nil
	})
	if err != nil {
		return nil, c.queryFailed(ctx, q.Resource, err)
	}
	return rows, nil
}

// OneSpec describes a tenant-scoped query returning a single value.
type OneSpec[T models.TenantScoped] struct {
	Resource       string
	Params         []string
	PerPrincipal   bool
	ValidateTenant bool
	Fetch          func(ctx context.Context, sess tenant.Session) (T, error)
}

// QueryOne is Query for a single value. Values implementing Composite have
// their nested records validated too.
func QueryOne[T models.TenantScoped](ctx context.Context, c *Client, q OneSpec[T]) (T, error) {
	var zero T
	sess, ok := c.Session(ctx)
	if !ok {
		return zero, ErrQueryDisabled
	}
	key := queryKey(c, sess, q.Resource, q.Params, q.PerPrincipal)

	v, err := cache.Fetch(ctx, c.cache, key, func(ctx context.Context) (T, error) {
		v, err := q.Fetch(ctx, sess)
		if err != nil {
			return zero, err
		}
		if q.ValidateTenant {
			if err := checkValue(sess, q.Resource, v); err != nil {
				return zero, err
			}
		}
		return v, nil
	})
	if err != nil {
		return zero, c.queryFailed(ctx, q.Resource, err)
	}
	return v, nil
}

// CheckTenant returns a SecurityViolationError for the first record whose
// tenant differs from the session tenant.
func CheckTenant[T models.TenantScoped](sess tenant.Session, resource string, records ...T) error {
	for i, r := range records {
		if got := r.TenantKey(); got != sess.TenantID() {
			return &SecurityViolationError{
				Resource:       resource,
				Index:          i,
				ExpectedTenant: sess.TenantID(),
				FoundTenant:    got,
			}
		}
	}
	return nil
}

func checkValue(sess tenant.Session, resource string, v models.TenantScoped) error {
	if err := CheckTenant(sess, resource, v); err != nil {
		return err
	}
	if comp, ok := v.(Composite); ok {
		return CheckTenant(sess, resource, comp.TenantRecords()...)
	}
	return nil
}

func queryKey(c *Client, sess tenant.Session, resource string, params []string, perPrincipal bool) cache.Key {
	if perPrincipal {
		return c.PrincipalKey(sess, resource, params...)
	}
	return c.Key(sess, resource, params...)
}

func (c *Client) queryFailed(ctx context.Context, resource string, err error) error {
	var v *SecurityViolationError
	if errors.As(err, &v) {
		c.recordViolation(ctx, v)
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	c.logger.Debug("query failed", "resource", resource, "error", err)
	return err
}
