package flowline

import (
	"context"
	"log/slog"
)

type ContextKey string

const (
	TenantContextKey ContextKey = "tenant"
	UserContextKey   ContextKey = "user"
	LoggerContextKey ContextKey = "logger"
)

// UserContext identifies the acting user and the roles governing task claim
// eligibility.
type UserContext struct {
	UserID string
	Roles  []string
}

// HasRole reports whether the user carries the given role.
func (u UserContext) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// WithTenant binds a tenant ID to the context. Every tenant-scoped operation
// requires one; its absence always fails with tenant_context_missing.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantContextKey, tenantID)
}

// TenantFromContext returns the tenant ID bound to the context.
func TenantFromContext(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(TenantContextKey).(string)
	return tenantID, ok && tenantID != ""
}

// requireTenant returns the tenant ID or the structured missing-tenant error.
func requireTenant(ctx context.Context) (string, error) {
	tenantID, ok := TenantFromContext(ctx)
	if !ok {
		return "", NewError(ErrTenantContextMissing, "no tenant bound to the request context")
	}
	return tenantID, nil
}

// WithUser binds the acting user to the context.
func WithUser(ctx context.Context, user UserContext) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

// UserFromContext returns the acting user bound to the context.
func UserFromContext(ctx context.Context) (UserContext, bool) {
	user, ok := ctx.Value(UserContextKey).(UserContext)
	return user, ok
}

// WithLogger binds a logger to the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, LoggerContextKey, logger)
}

// LoggerFromContext returns the logger bound to the context.
func LoggerFromContext(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(LoggerContextKey).(*slog.Logger)
	return logger, ok
}
