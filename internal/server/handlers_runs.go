package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tsugi-ai/tsugi/internal/auth"
	"github.com/tsugi-ai/tsugi/internal/engine"
	"github.com/tsugi-ai/tsugi/internal/model"
	"github.com/tsugi-ai/tsugi/internal/storage"
)

// HandleCreateRun handles POST /v1/runs.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.CreateRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	run, err := h.engine.CreateRun(r.Context(), claims.UserID, req)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	// Correlate the run with the request span.
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("tsugi.run_id", run.ID.String()))

	if req.Execute {
		// Inline execution requested: run in the background so the
		// create call returns immediately with the queued run. The
		// request context would be cancelled when the response is
		// written, so execution gets its own context.
		go func() {
			if err := h.engine.Execute(context.Background(), run.ID); err != nil {
				h.logger.Error("inline execution failed", "run_id", run.ID, "error", err)
			}
		}()
	}

	writeJSON(w, r, http.StatusCreated, run)
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	resp, err := h.engine.Status(r.Context(), runID, ownerID(claims))
	if err != nil {
		h.writeEngineError(w, r, "failed to read run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleSetContext handles POST /v1/runs/{run_id}/context.
func (h *Handlers) HandleSetContext(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.SetContextRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if err := h.engine.SetContext(r.Context(), runID, ownerID(claims), req); err != nil {
		h.writeEngineError(w, r, "failed to set context", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"run_id": runID, "updated": true})
}

// HandleExecuteRun handles POST /v1/runs/{run_id}/execute. Execution is
// synchronous: the response is written after the run reaches a terminal
// status.
func (h *Handlers) HandleExecuteRun(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	// Ownership check happens before the long-running execute.
	if _, err := h.engine.Status(r.Context(), runID, ownerID(claims)); err != nil {
		h.writeEngineError(w, r, "failed to read run", err)
		return
	}

	// Execution is detached from the request context: a client hanging
	// up must not cancel in-flight store writes and fail the run. Trace
	// and request-scoped values still propagate.
	if err := h.engine.Execute(context.WithoutCancel(r.Context()), runID); err != nil {
		h.writeEngineError(w, r, "execution failed", err)
		return
	}

	resp, err := h.engine.Status(r.Context(), runID, ownerID(claims))
	if err != nil {
		h.writeEngineError(w, r, "failed to read run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandlePollRun handles GET /v1/runs/{run_id}/poll?cursor=N.
func (h *Handlers) HandlePollRun(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var cursor int64
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		cursor, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || cursor < 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "cursor must be a non-negative integer")
			return
		}
	}

	resp, err := h.engine.Poll(r.Context(), runID, ownerID(claims), cursor)
	if err != nil {
		h.writeEngineError(w, r, "failed to poll run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleCancelRun handles POST /v1/runs/{run_id}/cancel.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.engine.Cancel(r.Context(), runID, ownerID(claims)); err != nil {
		h.writeEngineError(w, r, "failed to cancel run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"run_id": runID, "status": model.RunStatusCancelled})
}

// ownerID returns the user id used for run ownership checks. Admins see
// all runs.
func ownerID(claims *auth.Claims) string {
	if claims == nil {
		return ""
	}
	if claims.Role == storage.RoleAdmin {
		return ""
	}
	return claims.UserID
}

// parseRunID extracts and validates the run_id path parameter.
func parseRunID(r *http.Request) (uuid.UUID, error) {
	raw := r.PathValue("run_id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid run_id %q", raw)
	}
	return id, nil
}

// writeEngineError maps engine errors onto API status codes.
func (h *Handlers) writeEngineError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
	case errors.Is(err, engine.ErrRunTerminal):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "run is already in a terminal state")
	case errors.Is(err, engine.ErrRunStarted):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "run has already started")
	default:
		h.writeInternalError(w, r, msg, err)
	}
}
