package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/autograde/internal/api/middleware"
	"github.com/kiranshivaraju/autograde/internal/api/response"
	"github.com/kiranshivaraju/autograde/internal/apperr"
	"github.com/kiranshivaraju/autograde/pkg/models"
)

// KeyStore manages API keys.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, ownerID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error
}

type createdKey struct {
	*models.APIKey
	Key string `json:"key"`
}

// NewCreateKeyHandler handles POST /api/v1/admin/keys. Omitting owner_id
// issues the key to a new user.
func NewCreateKeyHandler(keys KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name    string     `json:"name"     validate:"required,max=255"`
			OwnerID *uuid.UUID `json:"owner_id"`
			Scopes  []string   `json:"scopes"   validate:"dive,oneof=grade admin"`
		}
		if !decodeValid(w, r, &req, "invalid api key") {
			return
		}
		owner := uuid.New()
		if req.OwnerID != nil {
			owner = *req.OwnerID
		}

		raw, err := mw.GenerateRawKey()
		if err != nil {
			response.FromError(w, r, err)
			return
		}
		key, err := mw.NewAPIKey(raw, owner, req.Name, req.Scopes)
		if err != nil {
			response.FromError(w, r, err)
			return
		}
		if err := keys.CreateAPIKey(r.Context(), key); err != nil {
			response.FromError(w, r, err)
			return
		}
		response.Created(w, createdKey{APIKey: key, Key: raw})
	}
}

// ownerParam reads ?owner_id, defaulting to the caller.
func ownerParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	c, ok := caller(w, r)
	if !ok {
		return uuid.Nil, false
	}
	raw := r.URL.Query().Get("owner_id")
	if raw == "" {
		return c.UserID, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		response.FromError(w, r, apperr.Validation("invalid owner_id", "owner_id must be a valid UUID"))
		return uuid.Nil, false
	}
	return id, true
}

// NewListKeysHandler handles GET /api/v1/admin/keys.
func NewListKeysHandler(keys KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := ownerParam(w, r)
		if !ok {
			return
		}
		list, err := keys.ListAPIKeys(r.Context(), owner)
		if err != nil {
			response.FromError(w, r, err)
			return
		}
		response.Collection(w, list, len(list))
	}
}

// NewRevokeKeyHandler handles DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(keys KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := ownerParam(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "keyID")
		if !ok {
			return
		}
		if err := keys.RevokeAPIKey(r.Context(), id, owner); err != nil {
			response.FromError(w, r, err)
			return
		}
		response.NoContent(w)
	}
}
