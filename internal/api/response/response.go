package response

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/autograde/internal/apperr"
)

type envelope struct {
	Data any `json:"data"`
}

type collectionEnvelope struct {
	Data any            `json:"data"`
	Meta CollectionMeta `json:"meta"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// CollectionMeta describes an unpaginated list.
type CollectionMeta struct {
	Total int `json:"total"`
}

func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

func Created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, envelope{Data: data})
}

func Accepted(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusAccepted, envelope{Data: data})
}

func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func Collection(w http.ResponseWriter, data any, total int) {
	writeJSON(w, http.StatusOK, collectionEnvelope{Data: data, Meta: CollectionMeta{Total: total}})
}

func Error(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

// BadRequest reports a request that could not be decoded.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, "INVALID_REQUEST", message, nil)
}

type mapping struct {
	status int
	code   string
}

var kinds = map[apperr.Kind]mapping{
	apperr.KindValidation:    {http.StatusUnprocessableEntity, "VALIDATION_FAILED"},
	apperr.KindNotFound:      {http.StatusNotFound, "NOT_FOUND"},
	apperr.KindConflict:      {http.StatusConflict, "VERSION_CONFLICT"},
	apperr.KindInUse:         {http.StatusConflict, "IN_USE"},
	apperr.KindDuplicate:     {http.StatusConflict, "DUPLICATE"},
	apperr.KindForbidden:     {http.StatusForbidden, "FORBIDDEN"},
	apperr.KindQuotaExceeded: {http.StatusTooManyRequests, "QUOTA_EXCEEDED"},
	apperr.KindInvalidState:  {http.StatusConflict, "INVALID_STATE"},
}

// StatusOf returns the HTTP status and error code for err's kind.
// Uncategorized errors map to 500 INTERNAL_ERROR.
func StatusOf(err error) (int, string) {
	if m, ok := kinds[apperr.KindOf(err)]; ok {
		return m.status, m.code
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}

// FromError renders err by its apperr kind. Uncategorized errors are
// logged and reported as a generic internal error.
func FromError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := StatusOf(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		Error(w, status, code, "An unexpected error occurred", nil)
		return
	}

	var details any
	if d := apperr.DetailsOf(err); len(d) > 0 {
		details = d
	}
	Error(w, status, code, apperr.MessageOf(err), details)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
