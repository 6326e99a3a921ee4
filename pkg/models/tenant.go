package models

import (
	"context"
)

// Tenant is the (client, engagement) scoping tuple threaded through every
// orchestrator operation. UserID identifies the acting user for audit
// fields; it does not participate in isolation.
type Tenant struct {
	ClientID     string `json:"client_id"`
	EngagementID string `json:"engagement_id"`
	UserID       string `json:"user_id,omitempty"`
}

// Scoped reports whether the tenant carries both isolation identifiers.
func (t Tenant) Scoped() bool {
	return t.ClientID != "" && t.EngagementID != ""
}

// PoolKey derives the worker-pool key for a worker kind. Workers are never
// shared across tenants.
func (t Tenant) PoolKey(kind string) string {
	return t.ClientID + "/" + t.EngagementID + "/" + kind
}

type tenantCtxKey struct{}

// WithTenant returns a context carrying the tenant.
func WithTenant(ctx context.Context, t Tenant) context.Context {
	return context.WithValue(ctx, tenantCtxKey{}, t)
}

// TenantFrom extracts the tenant from a context.
func TenantFrom(ctx context.Context) (Tenant, bool) {
	t, ok := ctx.Value(tenantCtxKey{}).(Tenant)
	return t, ok
}
