package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ushineko/netcert/internal/certmgr"
	"github.com/ushineko/netcert/internal/pki"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:gosec // best-effort response
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, certmgr.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, certmgr.ErrCapacity):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pki.ErrCANotFound):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
