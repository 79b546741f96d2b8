package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/pliu/groupsync/internal/apperr"
	"github.com/pliu/groupsync/internal/identity"
	"github.com/pliu/groupsync/internal/models"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError answers with the status of err's class. Internal failures are
// logged and not echoed back.
func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	code := apperr.StatusCode(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		log.Error("request_failed", zap.Error(err))
		msg = http.StatusText(code)
	}
	writeJSON(w, code, errorResponse{Error: msg})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("invalid request body: " + err.Error())
	}
	return nil
}

func caller(r *http.Request) (models.Identity, error) {
	return identity.FromRequest.CurrentIdentity(r.Context())
}
