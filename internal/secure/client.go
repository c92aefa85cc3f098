package secure

import (
	"context"
	"slices"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"nexflow-crm/backend/internal/cache"
	"nexflow-crm/backend/internal/tenant"
)

const meterName = "nexflow-crm/secure"

// Client bundles what the wrappers need: where the session comes from, the
// shared cache, the notice sink and the logger.
type Client struct {
	resolver tenant.Resolver
	cache    *cache.Cache
	notifier Notifier
	logger   Logger

	violations metric.Int64Counter
	mutations  metric.Int64Counter
}

// NewClient creates a Client. The cache is shared by every resource module
// built on this client.
func NewClient(resolver tenant.Resolver, c *cache.Cache, notifier Notifier, logger Logger) *Client {
	meter := otel.Meter(meterName)
	violations, err := meter.Int64Counter("secure.security_violations",
		metric.WithDescription("Records rejected because they belong to another tenant"))
	if err != nil {
		logger.Warn("failed to create violations counter", "error", err)
	}
	mutations, err := meter.Int64Counter("secure.mutations",
		metric.WithDescription("Tenant-scoped mutations by outcome"))
	if err != nil {
		logger.Warn("failed to create mutations counter", "error", err)
	}
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	return &Client{
		resolver:   resolver,
		cache:      c,
		notifier:   notifier,
		logger:     logger,
		violations: violations,
		mutations:  mutations,
	}
}

// Cache returns the shared cache.
func (c *Client) Cache() *cache.Cache { return c.cache }

// Session resolves the session for ctx.
func (c *Client) Session(ctx context.Context) (tenant.Session, bool) {
	return c.resolver.Session(ctx)
}

// RequireSession resolves the session or fails with tenant.ErrNoTenant.
func (c *Client) RequireSession(ctx context.Context) (tenant.Session, error) {
	sess, ok := c.resolver.Session(ctx)
	if !ok {
		return tenant.Session{}, tenant.ErrNoTenant
	}
	return sess, nil
}

// Key builds a cache key scoped to the session tenant.
func (c *Client) Key(sess tenant.Session, resource string, params ...string) cache.Key {
	return cache.NewKey(resource, sess.TenantID(), params...)
}

// PrincipalKey builds a cache key scoped to the session tenant and principal,
// matching the key of a query with PerPrincipal set. Role and team ids are
// part of the key because visibility depends on them; a membership change
// therefore never reads an entry cached under the old membership.
func (c *Client) PrincipalKey(sess tenant.Session, resource string, params ...string) cache.Key {
	teams := sess.TeamIDs()
	slices.Sort(teams)
	params = append(append([]string{}, params...),
		"principal="+sess.PrincipalID(),
		"role="+string(sess.Role()),
		"teams="+strings.Join(teams, ","),
	)
	return c.Key(sess, resource, params...)
}

func (c *Client) recordViolation(ctx context.Context, v *SecurityViolationError) {
	c.logger.Error("security violation",
		"resource", v.Resource,
		"index", v.Index,
		"expected_tenant", v.ExpectedTenant,
		"found_tenant", v.FoundTenant,
	)
	if c.violations != nil {
		c.violations.Add(ctx, 1, metric.WithAttributes(attribute.String("resource", v.Resource)))
	}
}

func (c *Client) recordMutation(ctx context.Context, name, outcome string) {
	if c.mutations != nil {
		c.mutations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("mutation", name),
			attribute.String("outcome", outcome),
		))
	}
}
