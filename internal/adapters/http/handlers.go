package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lucap123/machine-auth-service/internal/application"
	"github.com/lucap123/machine-auth-service/internal/domain"
)

func (h *Handler) root(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]any{
		"service": serviceName,
		"version": "1.0.0",
	})
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeMessage(w, http.StatusOK, "ok")
}

// health reports store reachability; a stalled store must fail readiness
// rather than letting traffic in.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.storePing == nil {
		writeMessage(w, http.StatusOK, "ready")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := h.storePing(ctx); err != nil {
		logHTTPOperationError(r.Context(), "health", http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "record store unreachable", err)
		writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "record store unreachable")
		return
	}
	writeMessage(w, http.StatusOK, "ready")
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) {
	var req application.AuthRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(r.Context(), w, "authenticate", err)
		return
	}

	outcome, err := h.service.Authenticate(r.Context(), req)
	if err != nil {
		writeMappedError(r.Context(), w, "authenticate", err)
		return
	}
	writeOutcome(r.Context(), w, outcome)
}

func (h *Handler) machineStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.MachineStatus(r.Context(), chi.URLParam(r, "machine_id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Machine not found")
			return
		}
		writeMappedError(r.Context(), w, "machine_status", err)
		return
	}

	writeSuccess(w, http.StatusOK, map[string]any{
		"machine_id": status.MachineID,
		"expires_at": status.ExpiresAt.Format(time.RFC3339),
		"is_expired": status.IsExpired,
		"status":     status.Status,
	})
}

// writeOutcome maps the engine's typed outcome onto the transport: 200 for
// success, and per-reason statuses for rejections. The reason code and the
// human-readable message both travel to the client.
func writeOutcome(ctx context.Context, w http.ResponseWriter, outcome application.AuthOutcome) {
	if outcome.Success {
		data := map[string]any{
			"message":    outcome.Message,
			"activated":  outcome.Activated,
			"token":      outcome.Token,
			"expires_at": outcome.ExpiresAt.Format(time.RFC3339),
		}
		writeSuccess(w, http.StatusOK, data)
		return
	}

	status := rejectStatus(outcome.Reason)
	logHTTPOperationError(ctx, "authenticate", status, string(outcome.Reason), outcome.Message, nil)
	writeError(w, status, string(outcome.Reason), outcome.Message)
}

func rejectStatus(reason application.RejectReason) int {
	switch reason {
	case application.ReasonInvalidInput:
		return http.StatusBadRequest
	case application.ReasonNotRegistered, application.ReasonInvalidKey:
		return http.StatusNotFound
	case application.ReasonExpired, application.ReasonKeyInUse:
		return http.StatusForbidden
	case application.ReasonTooManyAttempts:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON value")
	}
	return nil
}

func writeMappedError(ctx context.Context, w http.ResponseWriter, operation string, err error) {
	status, code, msg := mapDomainError(err)
	logHTTPOperationError(ctx, operation, status, code, msg, err)
	writeError(w, status, code, msg)
}

func writeValidationError(ctx context.Context, w http.ResponseWriter, operation string, err error) {
	code := "VALIDATION_ERROR"
	msg := err.Error()
	logHTTPOperationError(ctx, operation, http.StatusBadRequest, code, msg, err)
	writeError(w, http.StatusBadRequest, code, msg)
}

// mapDomainError handles errors that escape the typed-outcome path.
// Unexpected store failures collapse to a generic message so internal detail
// never reaches untrusted callers.
func mapDomainError(err error) (int, string, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, "VALIDATION_ERROR", err.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "resource not found"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing token"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error"
	}
}
