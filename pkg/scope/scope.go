// Package scope carries the tenant/store boundary every write is made under.
package scope

import (
	"context"
	"strings"
)

// Scope is the tenant and optional store an ingestion or query runs under.
type Scope struct {
	TenantID string `json:"tenant_id" yaml:"tenant_id"`
	StoreID  string `json:"store_id,omitempty" yaml:"store_id,omitempty"`
}

// Valid reports whether a tenant is set.
func (s Scope) Valid() bool {
	return strings.TrimSpace(s.TenantID) != ""
}

// StorePtr returns the store id as a nullable column value.
func (s Scope) StorePtr() *string {
	if s.StoreID == "" {
		return nil
	}
	id := s.StoreID
	return &id
}

type ctxKey struct{}

// WithContext stores s in ctx.
func WithContext(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the scope stored by WithContext.
func FromContext(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(ctxKey{}).(Scope)
	return s, ok
}
