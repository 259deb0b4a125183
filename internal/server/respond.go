package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"hlsgrab/internal/extract"
	"hlsgrab/internal/media"
	"hlsgrab/internal/resolve"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})
}

// writeFailure maps err onto a status code and error body.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, media.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case resolve.IsClientError(err):
		writeError(w, http.StatusBadRequest, err)
		return
	}

	requestLogger(r).WithError(err).Warn("request failed")

	body := map[string]any{"success": false, "error": err.Error()}
	var ef *media.ExtractionFailure
	if errors.As(err, &ef) {
		body["cause"] = ef.Cause
		if ef.Hint != "" {
			body["suggestion"] = ef.Hint
		}
	}
	var ce *extract.ChainError
	if errors.As(err, &ce) {
		body["attempts"] = ce.Attempts
	}
	var me *resolve.MethodsError
	if errors.As(err, &me) {
		body["methods"] = me.Methods
	}
	writeJSON(w, http.StatusInternalServerError, body)
}

// decodeJSON reads a JSON body into dest. Unknown fields are ignored.
func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	if r.Body == nil {
		return &media.InvalidInputError{Reason: "request body is required"}
	}
	defer r.Body.Close()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(dest); err != nil {
		return &media.InvalidInputError{Reason: fmt.Sprintf("invalid JSON body: %v", err)}
	}
	return nil
}
