package middleware

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/autograde/pkg/models"
)

type contextKey string

const (
	callerKey       contextKey = "caller"
	keyPrefixKey    contextKey = "key_prefix"
	apiKeyScopesKey contextKey = "api_key_scopes"
)

// SetCaller stores the authenticated caller in ctx.
func SetCaller(ctx context.Context, c models.Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

// GetCaller returns the caller set by Authenticate.
func GetCaller(r *http.Request) (models.Caller, bool) {
	c, ok := r.Context().Value(callerKey).(models.Caller)
	return c, ok
}

func setKeyPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, keyPrefixKey, prefix)
}

func getKeyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok
}

// WithKeyPrefix marks the request as authenticated by the key with prefix.
func WithKeyPrefix(ctx context.Context, prefix string) context.Context {
	return setKeyPrefix(ctx, prefix)
}

func setScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, apiKeyScopesKey, scopes)
}

func getScopes(r *http.Request) []string {
	scopes, _ := r.Context().Value(apiKeyScopesKey).([]string)
	return scopes
}
