package ledger

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stockproof/stockproof/internal/platform/httpx"
)

// Handler wires read-side HTTP endpoints for the lot ledger. Mutation goes
// through event ingestion, never through this surface.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs a ledger handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/positions", h.listPositions)
	r.Get("/positions/{sku}/{location}", h.getPosition)
	r.Get("/positions/{sku}/{location}/lots", h.listLots)
	r.Get("/positions/{sku}/{location}/events", h.listEvents)
}

type positionResponse struct {
	SKU         string `json:"sku"`
	Location    string `json:"location"`
	OnHand      string `json:"on_hand"`
	AvgUnitCost string `json:"avg_unit_cost"`
}

func toPositionResponse(p Position) positionResponse {
	return positionResponse{
		SKU:         p.SKU,
		Location:    p.Location,
		OnHand:      p.OnHand.String(),
		AvgUnitCost: p.AvgUnitCost.StringFixed(4),
	}
}

func (h *Handler) listPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.service.Positions(r.Context())
	if err != nil {
		h.logger.Error("list positions", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]positionResponse, 0, len(positions))
	for _, p := range positions {
		out = append(out, toPositionResponse(p))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"positions": out})
}

func (h *Handler) getPosition(w http.ResponseWriter, r *http.Request) {
	sku := chi.URLParam(r, "sku")
	location := chi.URLParam(r, "location")
	position, err := h.service.Position(r.Context(), sku, location)
	if err != nil {
		h.logger.Error("get position", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPositionResponse(position))
}

type lotResponse struct {
	ID            string    `json:"id"`
	ReceivedAt    time.Time `json:"received_at"`
	OriginalQty   string    `json:"original_quantity"`
	RemainingQty  string    `json:"remaining_quantity"`
	UnitCost      string    `json:"unit_cost"`
	SourceEventID string    `json:"source_event_id"`
}

func (h *Handler) listLots(w http.ResponseWriter, r *http.Request) {
	lots, err := h.service.Lots(r.Context(), chi.URLParam(r, "sku"), chi.URLParam(r, "location"))
	if err != nil {
		h.logger.Error("list lots", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]lotResponse, 0, len(lots))
	for _, lot := range lots {
		out = append(out, lotResponse{
			ID:            lot.ID,
			ReceivedAt:    lot.ReceivedAt,
			OriginalQty:   lot.OriginalQty.String(),
			RemainingQty:  lot.RemainingQty.String(),
			UnitCost:      lot.UnitCost.String(),
			SourceEventID: lot.SourceEventID,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"lots": out})
}

type eventResponse struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Quantity   string    `json:"quantity"`
	UnitCost   *string   `json:"unit_cost,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: since must be RFC3339", httpx.ErrValidation))
			return
		}
		since = parsed
	}
	events, err := h.service.History(r.Context(), chi.URLParam(r, "sku"), chi.URLParam(r, "location"), since)
	if err != nil {
		h.logger.Error("list events", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, event := range events {
		resp := eventResponse{
			ID:         event.ID,
			Type:       string(event.Type),
			Quantity:   event.Quantity.String(),
			OccurredAt: event.OccurredAt,
		}
		if event.UnitCost != nil {
			s := event.UnitCost.String()
			resp.UnitCost = &s
		}
		out = append(out, resp)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"events": out})
}
