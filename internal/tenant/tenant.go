// Package tenant carries the resolved tenant identity for an operation.
// A Scope is an explicit value threaded through every data-access call;
// there is no ambient "current tenant" shared across goroutines.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrScopeViolation is returned when a tenant-scoped operation runs without
// a resolved tenant. It is the only error kind allowed to abort a whole
// operation rather than a single item.
var ErrScopeViolation = errors.New("tenant scope violation")

// Scope identifies whose data an operation may touch. The zero value is
// unresolved and fails every Require call.
type Scope struct {
	tenantID string
	system   bool
}

// New returns a scope bound to a single tenant.
func New(tenantID string) Scope {
	return Scope{tenantID: tenantID}
}

// System returns the cross-tenant escape hatch reserved for the
// orchestrator's due-item scan. Tenant-scoped queries reject it.
func System() Scope {
	return Scope{system: true}
}

// Require returns the tenant id, or ErrScopeViolation when the scope is
// unresolved or system-wide.
func (s Scope) Require() (string, error) {
	if s.system {
		return "", fmt.Errorf("%w: system scope used for tenant-scoped operation", ErrScopeViolation)
	}
	if s.tenantID == "" {
		return "", fmt.Errorf("%w: no tenant resolved", ErrScopeViolation)
	}
	return s.tenantID, nil
}

// RequireSystem guards the one cross-tenant operation.
func (s Scope) RequireSystem() error {
	if !s.system {
		return fmt.Errorf("%w: cross-tenant scan requires system scope", ErrScopeViolation)
	}
	return nil
}

// IsSystem reports whether the scope is the cross-tenant escape hatch.
func (s Scope) IsSystem() bool { return s.system }

type ctxKey struct{}

// WithScope attaches a scope to the context.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the scope attached to ctx, if any.
func FromContext(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(ctxKey{}).(Scope)
	return s, ok
}

// FromRequest resolves the tenant for an inbound HTTP operation. Header
// resolution stands in for whatever session mechanism fronts the API.
func FromRequest(r *http.Request) (Scope, error) {
	id := r.Header.Get("X-Tenant-ID")
	if id == "" {
		return Scope{}, fmt.Errorf("%w: missing X-Tenant-ID header", ErrScopeViolation)
	}
	return New(id), nil
}
