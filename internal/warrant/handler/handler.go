package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"maskgate/internal/warrant/models"
	"maskgate/internal/warrant/service"
	dErrors "maskgate/pkg/domain-errors"
	"maskgate/pkg/platform/httputil"
	"maskgate/pkg/requestcontext"
)

// Service defines the warrant operations exposed over HTTP.
type Service interface {
	Submit(ctx context.Context, raw []byte) (*models.AnchorRecord, error)
	Confirm(ctx context.Context, raw []byte) (*service.Confirmation, error)
	Status(ctx context.Context, warrantID string) (*models.AnchorRecord, error)
}

// Handler wires warrant endpoints to the warrant processor.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs a warrant handler with its dependencies.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// Register mounts the authenticated warrant endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/warrants", h.HandleSubmit)
	r.Post("/attestations", h.HandleConfirm)
	r.Get("/status/{id}", h.HandleStatus)
}

// HandleSubmit handles POST /warrants. The body is the signed warrant,
// passed through byte for byte.
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()

	raw, err := httputil.ReadBody(w, r)
	if err != nil {
		httputil.WriteErrorData(w, err, stateData(nil))
		return
	}

	rec, err := h.service.Submit(ctx, raw)
	if err != nil {
		h.logFailure(ctx, "warrant submission failed", requestID, rec, err)
		httputil.WriteErrorData(w, err, stateData(rec))
		return
	}

	h.logger.InfoContext(ctx, "warrant submitted",
		"request_id", requestID,
		"warrant_id", rec.WarrantID,
		"state", string(rec.State),
		"transaction", rec.TransactionReference,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteSuccess(w, "anchored", FromAnchoredRecord(rec))
}

// HandleConfirm handles POST /attestations.
func (h *Handler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()

	raw, err := httputil.ReadBody(w, r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	c, err := h.service.Confirm(ctx, raw)
	if err != nil {
		var rec *models.AnchorRecord
		if c != nil {
			rec = c.Record
		}
		h.logFailure(ctx, "attestation rejected", requestID, rec, err)
		if rec != nil {
			httputil.WriteErrorData(w, err, stateData(rec))
			return
		}
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "attestation confirmed",
		"request_id", requestID,
		"warrant_id", c.Record.WarrantID,
		"receipt_id", c.Receipt.ID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteSuccess(w, "receipted", FromConfirmation(c))
}

// HandleStatus handles GET /status/{id}.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rec, err := h.service.Status(ctx, chi.URLParam(r, "id"))
	if err != nil {
		if !dErrors.HasCode(err, dErrors.CodeNotFound) {
			h.logFailure(ctx, "status lookup failed", requestcontext.RequestID(ctx), nil, err)
		}
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, "status", rec)
}

// HandleHealth handles GET /health.
func HandleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) logFailure(ctx context.Context, msg, requestID string, rec *models.AnchorRecord, err error) {
	attrs := []any{
		"request_id", requestID,
		"code", string(dErrors.CodeOf(err)),
		"error", err,
	}
	if rec != nil {
		attrs = append(attrs, "warrant_id", rec.WarrantID, "state", string(rec.State))
	}
	if httputil.StatusFor(dErrors.CodeOf(err)) >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, msg, attrs...)
		return
	}
	h.logger.WarnContext(ctx, msg, attrs...)
}
