package logging

import (
	"context"

	"go.uber.org/zap"
)

type tenantCtxKey struct{}
type workItemCtxKey struct{}
type requestCtxKey struct{}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 3)
	if ctx == nil {
		return fields
	}
	if v := TenantFromContext(ctx); v != "" {
		fields = append(fields, zap.String("tenant.id", v))
	}
	if v := WorkItemFromContext(ctx); v != "" {
		fields = append(fields, zap.String("work_item.id", v))
	}
	if v := RequestIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("request.id", v))
	}
	return fields
}

func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantCtxKey{}, tenantID)
}

func TenantFromContext(ctx context.Context) string {
	v, _ := ctx.Value(tenantCtxKey{}).(string)
	return v
}

func WithWorkItem(ctx context.Context, workItemID string) context.Context {
	return context.WithValue(ctx, workItemCtxKey{}, workItemID)
}

func WorkItemFromContext(ctx context.Context) string {
	v, _ := ctx.Value(workItemCtxKey{}).(string)
	return v
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(requestCtxKey{}).(string)
	return v
}
