package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// errorEnvelope is the wire shape {"error":{"code":...,"message":...}}.
type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// RespondError writes the standard error envelope with the given status,
// code, and message.
func RespondError(w http.ResponseWriter, status int, code, message string) {
	var env errorEnvelope
	env.Error.Code = code
	env.Error.Message = message
	Respond(w, status, env)
}

// WriteAPIError writes err as the standard error envelope. If err is not an
// *APIError, it is mapped to a generic 500 INTERNAL error; in production the
// message is replaced entirely to avoid leaking implementation detail.
func WriteAPIError(w http.ResponseWriter, logger *slog.Logger, production bool, err error) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		logger.Error("unhandled error", "error", err)
		RespondError(w, http.StatusInternalServerError, "INTERNAL", "Internal error")
		return
	}

	// Only a bare, unexpected 500 is replaced in production — 502/503 upstream
	// errors already carry a deliberately generic, safe message.
	if apiErr.Status == http.StatusInternalServerError {
		logger.Error("internal error", "code", apiErr.Code, "error", apiErr.Message)
		if production {
			RespondError(w, http.StatusInternalServerError, "INTERNAL", "Internal error")
			return
		}
	}

	RespondError(w, apiErr.Status, apiErr.Code, apiErr.Message)
}
