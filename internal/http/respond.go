package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Zipper-Inc/zipper-functions-sub004/internal/repository"
	"github.com/Zipper-Inc/zipper-functions-sub004/internal/service/storage"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusForError maps service errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrInvalidArgument),
		errors.Is(err, storage.ErrInvalidKey),
		errors.Is(err, storage.ErrInvalidValue):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
