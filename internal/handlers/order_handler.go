package handlers

import (
	"net/http"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"go.uber.org/zap"

	"concert-tickets/internal/services"
	"concert-tickets/security"
)

type OrderHandler struct {
	coordinator *services.IssuanceCoordinator
	logger      *zap.Logger
}

func NewOrderHandler(coordinator *services.IssuanceCoordinator, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{coordinator: coordinator, logger: logger}
}

func (h *OrderHandler) GetOrder(e *core.RequestEvent) error {
	caller, ok := security.CallerFrom(e)
	if !ok {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}
	order, err := h.coordinator.GetOrder(e.Request.Context(), caller, e.Request.PathValue("orderId"))
	if err != nil {
		return toAPIError(err)
	}
	return e.JSON(http.StatusOK, order)
}

func (h *OrderHandler) Redeliver(e *core.RequestEvent) error {
	caller, ok := security.CallerFrom(e)
	if !ok {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}
	orderID := e.Request.PathValue("orderId")
	if err := h.coordinator.Redeliver(e.Request.Context(), caller, orderID); err != nil {
		h.logger.Warn("redeliver failed", zap.String("order_id", orderID), zap.Error(err))
		return toAPIError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"message":  "Tickets redelivered",
		"order_id": orderID,
	})
}

func (h *OrderHandler) CancelTicket(e *core.RequestEvent) error {
	caller, ok := security.CallerFrom(e)
	if !ok {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}
	ticket, err := h.coordinator.CancelTicket(e.Request.Context(), caller, e.Request.PathValue("ticketId"))
	if err != nil {
		return toAPIError(err)
	}
	return e.JSON(http.StatusOK, ticket)
}
