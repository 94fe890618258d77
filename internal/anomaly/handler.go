package anomaly

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

// Enqueuer schedules anomaly scans on the background queue.
type Enqueuer interface {
	EnqueueAnomalyScan(ctx context.Context, payload jobs.AnomalyScanPayload) (*asynq.TaskInfo, error)
}

// Handler wires HTTP endpoints for anomaly findings.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	enqueuer  Enqueuer
	validator *validator.Validate
}

// NewHandler constructs an anomaly handler.
func NewHandler(logger *slog.Logger, service *Service, enqueuer Enqueuer) *Handler {
	return &Handler{logger: logger, service: service, enqueuer: enqueuer, validator: validator.New()}
}

// MountRoutes registers anomaly routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/scans", h.startScan)
	r.Get("/findings", h.listFindings)
	r.Post("/findings/{id}/ack", h.acknowledge)
	r.Post("/findings/{id}/resolve", h.resolve)
}

func (h *Handler) startScan(w http.ResponseWriter, r *http.Request) {
	info, err := h.enqueuer.EnqueueAnomalyScan(r.Context(), jobs.AnomalyScanPayload{})
	if err != nil {
		h.logger.Error("enqueue anomaly scan", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]any{"task_id": info.ID})
}

type findingResponse struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	SKU            string            `json:"sku"`
	Location       string            `json:"location"`
	RefID          string            `json:"ref_id,omitempty"`
	Severity       string            `json:"severity"`
	Status         string            `json:"status"`
	DetectedAt     time.Time         `json:"detected_at"`
	Evidence       map[string]string `json:"evidence,omitempty"`
	ResolutionNote string            `json:"resolution_note,omitempty"`
}

func toFindingResponse(f Finding) findingResponse {
	return findingResponse{
		ID:             f.ID,
		Type:           string(f.Type),
		SKU:            f.SKU,
		Location:       f.Location,
		RefID:          f.RefID,
		Severity:       string(f.Severity),
		Status:         string(f.Status),
		DetectedAt:     f.DetectedAt,
		Evidence:       f.Evidence,
		ResolutionNote: f.ResolutionNote,
	}
}

func (h *Handler) listFindings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := FindingFilter{
		Type:     FindingType(q.Get("type")),
		Status:   FindingStatus(q.Get("status")),
		SKU:      q.Get("sku"),
		Location: q.Get("location"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			httpx.RespondError(w, fmt.Errorf("%w: limit must be a positive integer", httpx.ErrValidation))
			return
		}
		filter.Limit = limit
	}

	findings, err := h.service.Findings(r.Context(), filter)
	if err != nil {
		h.logger.Error("list findings", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]findingResponse, 0, len(findings))
	for _, f := range findings {
		out = append(out, toFindingResponse(f))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"findings": out})
}

type noteRequest struct {
	Note string `json:"note"`
}

func (h *Handler) acknowledge(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: malformed body", httpx.ErrValidation))
			return
		}
	}
	id := chi.URLParam(r, "id")
	h.respondTransition(w, id, StatusAcknowledged, h.service.Acknowledge(r.Context(), id, req.Note))
}

type resolveRequest struct {
	Note string `json:"note" validate:"required"`
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: malformed body", httpx.ErrValidation))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
		return
	}
	id := chi.URLParam(r, "id")
	h.respondTransition(w, id, StatusResolved, h.service.Resolve(r.Context(), id, req.Note))
}

func (h *Handler) respondTransition(w http.ResponseWriter, id string, status FindingStatus, err error) {
	switch {
	case errors.Is(err, ErrFindingNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: finding %s", httpx.ErrNotFound, id))
		return
	case errors.Is(err, ErrInvalidFindingTransition):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrConflict, err.Error()))
		return
	case err != nil:
		h.logger.Error("update finding status", slog.String("id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"id": id, "status": string(status)})
}
