package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"sparing.org/internal/auth"
	"sparing.org/internal/obs"
	"sparing.org/internal/telemetry"
)

const idempotencyHeader = "Idempotency-Key"

type ingestResponse struct {
	OK       bool   `json:"ok"`
	ID       string `json:"id"`
	Replayed bool   `json:"replayed"`
}

type bulkRequest struct {
	Bulk []telemetry.ReadingInput `json:"bulk"`
}

type bulkResponse struct {
	Results []telemetry.ItemOutcome `json:"results"`
}

type deviceRequest struct {
	Token string `json:"token"`
}

type deviceResponse struct {
	OK   bool     `json:"ok"`
	Rows int      `json:"rows"`
	IDs  []string `json:"ids"`
}

func (a *API) handleIngestState(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r)
	if !ok {
		handleError(w, r, a.logger, auth.ErrUnauthenticated)
		return
	}

	var in telemetry.ReadingInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	idem := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if in.IdempotencyKey != "" {
		bodyKey := strings.TrimSpace(in.IdempotencyKey)
		if idem == "" {
			idem = bodyKey
		} else if idem != bodyKey {
			writeError(w, r, http.StatusBadRequest, "Idempotency-Key header and body value must match")
			return
		}
	}
	if len(idem) > telemetry.MaxIdempotencyKeyLen {
		writeError(w, r, http.StatusBadRequest, "Idempotency-Key too long")
		return
	}
	in.IdempotencyKey = idem

	res, err := a.pipeline.Ingest(r.Context(), principal, clientIP(r), in)
	if err != nil {
		handleError(w, r, a.logger, err)
		return
	}

	if idem != "" {
		w.Header().Set(idempotencyHeader, idem)
	}
	code := http.StatusCreated
	if res.Replayed {
		code = http.StatusOK
	}
	writeJSON(w, code, ingestResponse{OK: true, ID: res.ID, Replayed: res.Replayed})
}

func (a *API) handleIngestBulk(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r)
	if !ok {
		handleError(w, r, a.logger, auth.ErrUnauthenticated)
		return
	}

	var req bulkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	results, err := a.pipeline.IngestBulk(r.Context(), principal, clientIP(r), req.Bulk)
	if err != nil {
		handleError(w, r, a.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, bulkResponse{Results: results})
}

// handleDeviceData accepts a device-signed batch. Token failures are rejected before
// the pipeline and are not audited; everything after verification is.
func (a *API) handleDeviceData(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, r, http.StatusBadRequest, "token is required")
		return
	}

	batch, err := a.devices.Decode(req.Token)
	if err != nil {
		if reason := rejectionReason(err); reason != "" {
			obs.ObserveTokenRejected(reason)
		}
		handleError(w, r, a.logger, err)
		return
	}

	created, err := a.pipeline.IngestDevice(r.Context(), clientIP(r), batch)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			writeError(w, r, http.StatusUnauthorized, "unknown site uid")
			return
		}
		handleError(w, r, a.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, deviceResponse{OK: true, Rows: len(created), IDs: created})
}
