package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"sparing.org/internal/audit"
	"sparing.org/internal/auth"
	"sparing.org/internal/ratelimit"
	"sparing.org/internal/telemetry"
)

var errEmptyBody = errors.New("request body is required")

// handleError maps domain errors to status codes. Anything unrecognised is logged
// and answered with a generic 500.
func handleError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		writeError(w, r, http.StatusUnauthorized, "token expired")
	case errors.Is(err, auth.ErrTokenRevoked):
		writeError(w, r, http.StatusUnauthorized, "token revoked")
	case errors.Is(err, auth.ErrWrongTokenType):
		writeError(w, r, http.StatusUnauthorized, "wrong token type")
	case errors.Is(err, auth.ErrTokenMalformed):
		writeError(w, r, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, auth.ErrUnauthenticated):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, telemetry.ErrNotFound):
		writeError(w, r, http.StatusNotFound, telemetry.ItemError(err))
	case errors.Is(err, telemetry.ErrInvalidRange),
		errors.Is(err, telemetry.ErrBatchTooLarge),
		errors.Is(err, telemetry.ErrInvalidQuery),
		errors.Is(err, telemetry.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, telemetry.ItemError(err))
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, strings.TrimPrefix(err.Error(), "auth: "))
	case errors.Is(err, ratelimit.ErrRateLimited):
		writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
	case errors.Is(err, telemetry.ErrStoreUnavailable), errors.Is(err, auth.ErrStoreUnavailable):
		logger.ErrorContext(r.Context(), "store unavailable", slog.Any("error", err))
		writeError(w, r, http.StatusServiceUnavailable, "store unavailable")
	default:
		logger.ErrorContext(r.Context(), "request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
