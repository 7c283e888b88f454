// Package usercontext carries the authenticated user through request context.
package usercontext

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type contextKey struct{}

var userIDKey contextKey

func WithUserID(ctx context.Context, id snowflake.ID) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

func UserIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	id, ok := ctx.Value(userIDKey).(snowflake.ID)
	return id, ok && id != 0
}
