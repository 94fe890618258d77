package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"

	"github.com/stockproof/stockproof/internal/platform/httpx"
	"github.com/stockproof/stockproof/jobs"
)

// Enqueuer schedules reconciliation runs on the background queue.
type Enqueuer interface {
	EnqueueReconRun(ctx context.Context, payload jobs.ReconRunPayload) (*asynq.TaskInfo, error)
}

// Handler wires HTTP endpoints for reconciliation runs and records.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	enqueuer  Enqueuer
	validator *validator.Validate
}

// NewHandler constructs a reconciliation handler.
func NewHandler(logger *slog.Logger, service *Service, enqueuer Enqueuer) *Handler {
	return &Handler{logger: logger, service: service, enqueuer: enqueuer, validator: validator.New()}
}

// MountRoutes registers reconciliation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/runs", h.startRun)
	r.Get("/periods", h.listPeriods)
	r.Get("/records", h.listRecords)
	r.Post("/records/{id}/status", h.updateStatus)
}

type runRequest struct {
	Period string `json:"period" validate:"required"`
}

func (h *Handler) startRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: malformed body", httpx.ErrValidation))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
		return
	}
	info, err := h.enqueuer.EnqueueReconRun(r.Context(), jobs.ReconRunPayload{Period: req.Period})
	if err != nil {
		h.logger.Error("enqueue recon run", slog.String("period", req.Period), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]any{"period": req.Period, "task_id": info.ID})
}

func (h *Handler) listPeriods(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			httpx.RespondError(w, fmt.Errorf("%w: limit must be a positive integer", httpx.ErrValidation))
			return
		}
		limit = parsed
	}
	periods, err := h.service.Periods(r.Context(), limit)
	if err != nil {
		h.logger.Error("list recon periods", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"periods": periods})
}

type recordResponse struct {
	ID             string    `json:"id"`
	SKU            string    `json:"sku"`
	Location       string    `json:"location"`
	Period         string    `json:"period"`
	WMSQuantity    string    `json:"wms_quantity"`
	ERPQuantity    string    `json:"erp_quantity"`
	Variance       string    `json:"variance"`
	VariancePct    string    `json:"variance_pct"`
	Status         string    `json:"status"`
	Severity       string    `json:"severity"`
	ResolutionNote string    `json:"resolution_note,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func toRecordResponse(rec Record) recordResponse {
	return recordResponse{
		ID:             rec.ID,
		SKU:            rec.SKU,
		Location:       rec.Location,
		Period:         rec.Period,
		WMSQuantity:    rec.WMSQuantity.String(),
		ERPQuantity:    rec.ERPQuantity.String(),
		Variance:       rec.Variance.String(),
		VariancePct:    rec.VariancePct.StringFixed(2),
		Status:         string(rec.Status),
		Severity:       string(rec.Severity),
		ResolutionNote: rec.ResolutionNote,
		CreatedAt:      rec.CreatedAt,
	}
}

func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		httpx.RespondError(w, fmt.Errorf("%w: period is required", httpx.ErrValidation))
		return
	}
	records, err := h.service.Records(r.Context(), period)
	if err != nil {
		h.logger.Error("list recon records", slog.String("period", period), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]recordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toRecordResponse(rec))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"period": period, "records": out})
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=MATCHED VARIANCE INVESTIGATING RESOLVED"`
	Note   string `json:"note"`
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: malformed body", httpx.ErrValidation))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
		return
	}

	id := chi.URLParam(r, "id")
	err := h.service.UpdateStatus(r.Context(), id, RecordStatus(req.Status), req.Note)
	switch {
	case errors.Is(err, ErrRecordNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: record %s", httpx.ErrNotFound, id))
		return
	case errors.Is(err, ErrInvalidStatusTransition):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrConflict, err.Error()))
		return
	case err != nil:
		h.logger.Error("update record status", slog.String("id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"id": id, "status": req.Status})
}
