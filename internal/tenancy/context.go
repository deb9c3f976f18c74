package tenancy

import "context"

type ctxKey string

const slugKey ctxKey = "comchat.tenant_slug"

// WithTenantSlug stores the tenant slug in context.
func WithTenantSlug(ctx context.Context, slug string) context.Context {
	return context.WithValue(ctx, slugKey, slug)
}

// TenantSlugFromContext extracts the tenant slug if present.
func TenantSlugFromContext(ctx context.Context) (string, bool) {
	val := ctx.Value(slugKey)
	if val == nil {
		return "", false
	}
	slug, ok := val.(string)
	return slug, ok && slug != ""
}
