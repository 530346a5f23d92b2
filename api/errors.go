package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/tollgate/gate"
	"github.com/jmcleod/tollgate/identity"
	"github.com/jmcleod/tollgate/principal"
	"github.com/jmcleod/tollgate/storage"
	"github.com/jmcleod/tollgate/token"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// mapError translates backend and gateway errors. Backend 4xx details pass
// through; backend 5xx and transport failures become 502 without detail.
func mapError(w http.ResponseWriter, err error) {
	var be *identity.BackendError
	switch {
	case identity.IsNotAuthenticated(err):
		writeError(w, http.StatusUnauthorized, identity.ErrNotAuthenticated.Error())
	case errors.Is(err, gate.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, identity.ErrUserNotFound), errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, identity.ErrServiceTokenMissing):
		writeError(w, http.StatusServiceUnavailable, "admin operations are not configured")
	case errors.Is(err, token.ErrInvalidToken), errors.Is(err, token.ErrMissingSubject):
		writeError(w, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, principal.ErrAccountDisabled):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &be):
		switch {
		case be.Status == 0 || be.Status >= 500:
			writeError(w, http.StatusBadGateway, "identity service unavailable")
		default:
			writeError(w, be.Status, be.Detail)
		}
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
