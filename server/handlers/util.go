package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/nomis52/tenantflow/failure"
	"github.com/nomis52/tenantflow/tenant"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// ErrorResponse is returned when an error occurs.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// StatusCode maps an error kind to the HTTP status returned for it.
func StatusCode(kind failure.Kind) int {
	switch kind {
	case failure.KindValidation:
		return http.StatusBadRequest
	case failure.KindAuthorization:
		return http.StatusForbidden
	case failure.KindNotFound:
		return http.StatusNotFound
	case failure.KindVersionConflict:
		return http.StatusConflict
	case failure.KindTransient, failure.KindTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError reports err with the status of its kind. Internal errors are
// logged and their message is not returned to the caller.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	kind := failure.KindOf(err)
	status := StatusCode(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Kind: kind.String()})
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error: fmt.Sprintf(format, args...),
		Kind:  failure.KindValidation.String(),
	})
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// callerTenant returns the tenant the middleware resolved for the request.
func callerTenant(r *http.Request) tenant.Context {
	tc, _ := tenant.FromContext(r.Context())
	return tc
}
