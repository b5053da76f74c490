// Package handler adapts the grading, evaluation and scheme services to
// HTTP. Handlers decode and shape requests; every rule lives in the
// services and every error is rendered by response.FromError.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/autograde/internal/api/middleware"
	"github.com/kiranshivaraju/autograde/internal/api/response"
	"github.com/kiranshivaraju/autograde/pkg/models"
)

const maxBodyBytes = 1 << 20

func caller(w http.ResponseWriter, r *http.Request) (models.Caller, bool) {
	c, ok := mw.GetCaller(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing caller", nil)
	}
	return c, ok
}

// pathID parses the named URL parameter as a UUID.
func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.BadRequest(w, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// decode reads a JSON body into v. An empty body leaves v untouched when
// allowEmpty is set.
func decode(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		response.BadRequest(w, "Invalid JSON body")
		return false
	}
	return true
}
