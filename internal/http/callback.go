package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Zipper-Inc/zipper-functions-sub004/pkg/callback"
)

// requireCallbackSignature rejects runtime callbacks whose HMAC or timestamp
// does not verify. Only the rejection reason is logged.
func (r *Router) requireCallbackSignature(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.maxCallbackBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			writeError(w, http.StatusBadRequest, "unreadable request body")
			return
		}
		req.Body = io.NopCloser(bytes.NewReader(body))

		err = callback.Check(
			req.Method,
			req.URL.RequestURI(),
			body,
			req.Header.Get(callback.HeaderTimestamp),
			req.Header.Get(callback.HeaderSignature),
			r.hmacSecret,
			r.now(),
		)
		if err != nil {
			reason := rejectionReason(err)
			r.recordCallbackRejection(reason)
			r.logger.Warn("callback rejected", "reason", reason, "method", req.Method, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "invalid callback signature")
			return
		}
		next(w, req)
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, callback.ErrMissingSecret):
		return "secret_unset"
	case errors.Is(err, callback.ErrMissingSignature):
		return "missing_signature"
	case errors.Is(err, callback.ErrMissingTimestamp):
		return "missing_timestamp"
	case errors.Is(err, callback.ErrInvalidTimestamp):
		return "invalid_timestamp"
	case errors.Is(err, callback.ErrStaleTimestamp):
		return "stale_timestamp"
	case errors.Is(err, callback.ErrInvalidSignature):
		return "bad_signature"
	default:
		return "unknown"
	}
}

// parseAppPath splits "/app/{appId}/{resource}".
func parseAppPath(path string) (appletID, resource string, ok bool) {
	rest := strings.TrimPrefix(path, "/app/")
	if rest == path {
		return "", "", false
	}
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (r *Router) handleApp(w http.ResponseWriter, req *http.Request) {
	appletID, resource, ok := parseAppPath(req.URL.Path)
	if !ok {
		r.notFound(w)
		return
	}
	switch resource {
	case "storage":
		r.handleStorage(w, req, appletID)
	case "secret":
		r.handleSecret(w, req, appletID)
	default:
		r.notFound(w)
	}
}

type keyValuePayload struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func (r *Router) handleStorage(w http.ResponseWriter, req *http.Request, appletID string) {
	key := strings.TrimSpace(req.URL.Query().Get("key"))
	switch req.Method {
	case http.MethodGet:
		if key == "" {
			values, err := r.storage.All(req.Context(), appletID)
			if err != nil {
				r.writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, values)
			return
		}
		value, err := r.storage.Get(req.Context(), appletID, key)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, keyValuePayload{Key: key, Value: value})
	case http.MethodPost:
		var payload keyValuePayload
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := r.storage.Set(req.Context(), appletID, payload.Key, payload.Value); err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"key": payload.Key, "updated_at": time.Now().UTC()})
	case http.MethodDelete:
		if err := r.storage.Delete(req.Context(), appletID, key); err != nil {
			r.writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleSecret(w http.ResponseWriter, req *http.Request, appletID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.storage.SetSecret(req.Context(), appletID, payload.Key, payload.Value); err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": payload.Key, "status": "stored"})
}

func (r *Router) writeServiceError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		r.logger.Error("callback handler failed", "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}
