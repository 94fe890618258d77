package costing

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
	"github.com/shopspring/decimal"

	"github.com/stockproof/stockproof/internal/ledger"
	"github.com/stockproof/stockproof/internal/platform/httpx"
)

// ConfigStore persists per-SKU costing configuration.
type ConfigStore interface {
	UpsertMethodConfig(ctx context.Context, cfg MethodConfig) error
	GetMethodConfig(ctx context.Context, sku string) (MethodConfig, error)
}

// Handler wires HTTP endpoints for event ingestion and posting inspection.
type Handler struct {
	logger    *slog.Logger
	engine    *Engine
	configs   ConfigStore
	validator *validator.Validate
}

// NewHandler constructs a costing handler.
func NewHandler(logger *slog.Logger, engine *Engine, configs ConfigStore) *Handler {
	return &Handler{logger: logger, engine: engine, configs: configs, validator: validator.New()}
}

// MountRoutes registers costing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/events", h.ingestEvent)
	r.Get("/postings", h.listPostings)
	r.Get("/parked", h.listParked)
	r.Post("/parked/{id}/resolve", h.resolveParked)
	r.Get("/methods/{sku}", h.getMethodConfig)
	r.Put("/methods/{sku}", h.putMethodConfig)
}

type eventRequest struct {
	EventID    string    `json:"event_id" validate:"required"`
	Type       string    `json:"type" validate:"required,oneof=RECEIPT SHIPMENT ADJUSTMENT RETURN"`
	SKU        string    `json:"sku" validate:"required"`
	Location   string    `json:"location" validate:"required"`
	Quantity   string    `json:"quantity" validate:"required"`
	UnitCost   *string   `json:"unit_cost,omitempty"`
	OccurredAt time.Time `json:"occurred_at" validate:"required"`
}

func (req eventRequest) toEvent() (ledger.Event, error) {
	quantity, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		return ledger.Event{}, fmt.Errorf("quantity %q is not a decimal", req.Quantity)
	}
	event := ledger.Event{
		ID:         req.EventID,
		Type:       ledger.EventType(req.Type),
		SKU:        req.SKU,
		Location:   req.Location,
		Quantity:   quantity,
		OccurredAt: req.OccurredAt,
	}
	if req.UnitCost != nil {
		cost, err := decimal.NewFromString(*req.UnitCost)
		if err != nil {
			return ledger.Event{}, fmt.Errorf("unit_cost %q is not a decimal", *req.UnitCost)
		}
		event.UnitCost = &cost
	}
	return event, nil
}

func (h *Handler) ingestEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: malformed body", httpx.ErrValidation))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
		return
	}
	event, err := req.toEvent()
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
		return
	}

	posting, err := h.engine.ProcessEvent(r.Context(), event)
	switch {
	case errors.Is(err, ledger.ErrInvalidEvent):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
		return
	case errors.Is(err, ledger.ErrInsufficientStock):
		// parked for manual intervention, not silently dropped
		httpx.RespondError(w, fmt.Errorf("%w: shipment exceeds on-hand quantity, event parked", httpx.ErrUnprocessable))
		return
	case errors.Is(err, ErrConfiguration):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrUnprocessable, err.Error()))
		return
	case err != nil:
		h.logger.Error("process event", slog.String("event_id", event.ID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}

	if posting == nil {
		httpx.JSON(w, http.StatusAccepted, map[string]any{"event_id": event.ID, "status": "applied"})
		return
	}
	httpx.JSON(w, http.StatusCreated, toPostingResponse(*posting))
}

type postingResponse struct {
	ID               string     `json:"id"`
	EventID          string     `json:"event_id"`
	SKU              string     `json:"sku"`
	Location         string     `json:"location"`
	QuantityConsumed string     `json:"quantity_consumed"`
	UnitCostApplied  string     `json:"unit_cost_applied"`
	TotalCost        string     `json:"total_cost"`
	Method           string     `json:"costing_method"`
	VarianceAmount   string     `json:"variance_amount"`
	PostedAt         time.Time  `json:"posted_at"`
	ReversesID       string     `json:"reverses_id,omitempty"`
	DeliveredAt      *time.Time `json:"delivered_at,omitempty"`
}

func toPostingResponse(p Posting) postingResponse {
	return postingResponse{
		ID:               p.ID,
		EventID:          p.EventID,
		SKU:              p.SKU,
		Location:         p.Location,
		QuantityConsumed: p.QuantityConsumed.String(),
		UnitCostApplied:  p.UnitCostApplied.StringFixed(4),
		TotalCost:        p.TotalCost.StringFixed(2),
		Method:           string(p.Method),
		VarianceAmount:   p.VarianceAmount.StringFixed(2),
		PostedAt:         p.PostedAt,
		ReversesID:       p.ReversesID,
		DeliveredAt:      p.DeliveredAt,
	}
}

func (h *Handler) listPostings(w http.ResponseWriter, r *http.Request) {
	filter := PostingFilter{
		SKU:      r.URL.Query().Get("sku"),
		Location: r.URL.Query().Get("location"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			httpx.RespondError(w, fmt.Errorf("%w: limit must be a positive integer", httpx.ErrValidation))
			return
		}
		filter.Limit = limit
	}
	for param, dst := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		if raw := r.URL.Query().Get(param); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				httpx.RespondError(w, fmt.Errorf("%w: %s must be RFC3339", httpx.ErrValidation, param))
				return
			}
			*dst = parsed
		}
	}

	postings, err := h.engine.Postings(r.Context(), filter)
	if err != nil {
		h.logger.Error("list postings", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]postingResponse, 0, len(postings))
	for _, posting := range postings {
		out = append(out, toPostingResponse(posting))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"postings": out})
}

type parkedResponse struct {
	ID       string         `json:"id"`
	EventID  string         `json:"event_id"`
	SKU      string         `json:"sku"`
	Location string         `json:"location"`
	Quantity string         `json:"quantity"`
	Reason   string         `json:"reason"`
	Detail   string         `json:"detail"`
	Evidence map[string]any `json:"evidence,omitempty"`
	ParkedAt time.Time      `json:"parked_at"`
	Resolved bool           `json:"resolved"`
}

func (h *Handler) listParked(w http.ResponseWriter, r *http.Request) {
	includeResolved := r.URL.Query().Get("include_resolved") == "true"
	parked, err := h.engine.ParkedEvents(r.Context(), includeResolved)
	if err != nil {
		h.logger.Error("list parked events", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]parkedResponse, 0, len(parked))
	for _, p := range parked {
		out = append(out, parkedResponse{
			ID:       p.ID,
			EventID:  p.EventID,
			SKU:      p.SKU,
			Location: p.Location,
			Quantity: p.Quantity.String(),
			Reason:   string(p.Reason),
			Detail:   p.Detail,
			Evidence: p.Evidence,
			ParkedAt: p.ParkedAt,
			Resolved: p.Resolved,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"parked_events": out})
}

func (h *Handler) resolveParked(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.ResolveParkedEvent(r.Context(), id); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: parked event %s", httpx.ErrNotFound, id))
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"id": id, "resolved": true})
}

type methodConfigRequest struct {
	Category     string  `json:"category"`
	Method       string  `json:"costing_method" validate:"required,oneof=FIFO LIFO WEIGHTED_AVERAGE STANDARD"`
	StandardCost *string `json:"standard_cost,omitempty"`
}

type methodConfigResponse struct {
	SKU          string  `json:"sku"`
	Category     string  `json:"category,omitempty"`
	Method       string  `json:"costing_method"`
	StandardCost *string `json:"standard_cost,omitempty"`
}

func (h *Handler) getMethodConfig(w http.ResponseWriter, r *http.Request) {
	sku := chi.URLParam(r, "sku")
	cfg, err := h.configs.GetMethodConfig(r.Context(), sku)
	if errors.Is(err, ErrConfigNotFound) {
		httpx.RespondError(w, fmt.Errorf("%w: no costing method for %s", httpx.ErrNotFound, sku))
		return
	}
	if err != nil {
		h.logger.Error("get method config", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	resp := methodConfigResponse{SKU: cfg.SKU, Category: cfg.Category, Method: string(cfg.Method)}
	if cfg.StandardCost != nil {
		s := cfg.StandardCost.String()
		resp.StandardCost = &s
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) putMethodConfig(w http.ResponseWriter, r *http.Request) {
	var req methodConfigRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: malformed body", httpx.ErrValidation))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
		return
	}

	cfg := MethodConfig{
		SKU:      chi.URLParam(r, "sku"),
		Category: req.Category,
		Method:   ledger.CostingMethod(req.Method),
	}
	if req.StandardCost != nil {
		cost, err := decimal.NewFromString(*req.StandardCost)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: standard_cost %q is not a decimal", httpx.ErrValidation, *req.StandardCost))
			return
		}
		cfg.StandardCost = &cost
	}
	if err := cfg.Validate(); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
		return
	}
	if err := h.configs.UpsertMethodConfig(r.Context(), cfg); err != nil {
		h.logger.Error("upsert method config", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, methodConfigResponse{SKU: cfg.SKU, Category: cfg.Category, Method: req.Method, StandardCost: req.StandardCost})
}
