// Package reqctx carries the multi-tenant identity resolved by the
// session-context-token middleware to downstream HTTP handlers, without
// mutating the inbound *http.Request.
package reqctx

import (
	"context"

	"github.com/pizzapi/relay/internal/model"
)

type key struct{}

// WithIdentity returns a context carrying identity, retrievable later
// via Identity.
func WithIdentity(ctx context.Context, identity model.TenantIdentity) context.Context {
	return context.WithValue(ctx, key{}, identity)
}

// Identity returns the identity stored in ctx, if any.
func Identity(ctx context.Context) (model.TenantIdentity, bool) {
	v, ok := ctx.Value(key{}).(model.TenantIdentity)
	return v, ok
}
