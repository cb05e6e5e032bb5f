package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/cardkeep/cardkeep/internal/errors"
)

// respondWithError writes err as an error envelope with the matching status.
func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.RespondWithError(w, r, err)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
