package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/autograde/internal/api/response"
	"github.com/kiranshivaraju/autograde/internal/store"
	"github.com/kiranshivaraju/autograde/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const keyPrefixLen = 8

// Auth provides authentication and scope-checking middleware.
type Auth struct {
	keys store.APIKeyStore
}

// NewAuth creates a new Auth middleware.
func NewAuth(keys store.APIKeyStore) *Auth {
	return &Auth{keys: keys}
}

// Authenticate validates the Bearer token, looks up the API key and sets
// the caller, key prefix and scopes in the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		if len(rawKey) < keyPrefixLen {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key format", nil)
			return
		}

		prefix := rawKey[:keyPrefixLen]

		keys, err := a.keys.GetAPIKeyByPrefix(r.Context(), prefix)
		if err != nil {
			slog.Error("looking up api key", "key_prefix", prefix, "error", err)
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate API key", nil)
			return
		}

		// Find matching key by bcrypt comparison
		var matched *models.APIKey
		for _, key := range keys {
			if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(rawKey)) == nil {
				matched = key
				break
			}
		}
		if matched == nil {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key", nil)
			return
		}

		ctx := r.Context()
		ctx = SetCaller(ctx, models.Caller{
			UserID:  matched.OwnerID,
			IsAdmin: matched.HasScope(models.ScopeAdmin),
		})
		ctx = setKeyPrefix(ctx, prefix)
		ctx = setScopes(ctx, matched.Scopes)

		// Update last_used_at async
		go func(id uuid.UUID) {
			if err := a.keys.UpdateAPIKeyLastUsed(context.Background(), id); err != nil {
				slog.Warn("updating api key last_used_at", "key_id", id, "error", err)
			}
		}(matched.ID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope returns middleware that checks whether the authenticated
// API key has the specified scope.
func (a *Auth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scopes := getScopes(r)
			for _, s := range scopes {
				if s == scope {
					next.ServeHTTP(w, r)
					return
				}
			}
			response.Error(w, http.StatusForbidden,
				"FORBIDDEN", "Insufficient permissions", nil)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
