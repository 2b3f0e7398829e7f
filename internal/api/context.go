package api

import (
	"context"

	"github.com/org/piiguard/pkg/models"
)

type (
	tokenKey     struct{}
	requestIDKey struct{}
)

// withToken attaches the validated caller token.
func withToken(ctx context.Context, t *models.Token) context.Context {
	return context.WithValue(ctx, tokenKey{}, t)
}

// tokenFromCtx returns nil on public routes.
func tokenFromCtx(ctx context.Context) *models.Token {
	t, _ := ctx.Value(tokenKey{}).(*models.Token)
	return t
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
