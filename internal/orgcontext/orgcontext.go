package orgcontext

import (
	"context"
	"errors"
	"strings"
)

// ErrMissing is returned by callers that require an org ID and did not get
// one. Core services take org IDs as explicit arguments; this context carrier
// exists only for transport middleware and consumers.
var ErrMissing = errors.New("org_context_required")

type orgKey struct{}

// WithOrgID stores the org ID in the context.
func WithOrgID(ctx context.Context, orgID string) context.Context {
	return context.WithValue(ctx, orgKey{}, strings.TrimSpace(orgID))
}

// OrgIDFromContext returns the org ID from context, if set.
func OrgIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	orgID, ok := ctx.Value(orgKey{}).(string)
	if !ok || orgID == "" {
		return "", false
	}
	return orgID, true
}
