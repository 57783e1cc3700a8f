package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"concert-tickets/internal/services"
	"concert-tickets/models"
	"concert-tickets/security"
)

const maxImageBody = 4 << 20

type TicketHandler struct {
	verifier *services.VerificationService
	ledger   *services.InventoryLedger
}

func NewTicketHandler(verifier *services.VerificationService, ledger *services.InventoryLedger) *TicketHandler {
	return &TicketHandler{verifier: verifier, ledger: ledger}
}

type scanBody struct {
	Code    string `json:"code"`
	EventID string `json:"event_id"`
}

// Scan admits a ticket at a gate. Rejections are a 200 with accepted=false;
// only malformed requests and infrastructure failures are errors.
func (h *TicketHandler) Scan(e *core.RequestEvent) error {
	caller, ok := security.CallerFrom(e)
	if !ok {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}
	var req scanBody
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	res, err := h.verifier.Scan(e.Request.Context(), caller, models.ScanRequest{
		Code:    []byte(req.Code),
		EventID: req.EventID,
	})
	if err != nil {
		return toAPIError(err)
	}
	return e.JSON(http.StatusOK, res)
}

// Inspect verifies a ticket without admitting it. The body is either JSON
// with a code or a PNG of the QR symbol.
func (h *TicketHandler) Inspect(e *core.RequestEvent) error {
	caller, ok := security.CallerFrom(e)
	if !ok {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var (
		res models.ScanResult
		err error
	)
	ctx := e.Request.Context()
	if strings.HasPrefix(e.Request.Header.Get("Content-Type"), "image/") {
		img, readErr := io.ReadAll(io.LimitReader(e.Request.Body, maxImageBody))
		if readErr != nil {
			return apis.NewBadRequestError("Invalid request", readErr)
		}
		res, err = h.verifier.InspectImage(ctx, caller, img)
	} else {
		var req scanBody
		if bindErr := e.BindBody(&req); bindErr != nil {
			return apis.NewBadRequestError("Invalid request", bindErr)
		}
		res, err = h.verifier.Inspect(ctx, caller, []byte(req.Code))
	}
	if err != nil {
		return toAPIError(err)
	}
	return e.JSON(http.StatusOK, res)
}

func (h *TicketHandler) Availability(e *core.RequestEvent) error {
	inv, err := h.ledger.Availability(e.Request.Context(), e.Request.PathValue("categoryId"))
	if err != nil {
		return toAPIError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"category_id": inv.CategoryID,
		"event_id":    inv.EventID,
		"name":        inv.Name,
		"capacity":    inv.Capacity,
		"sold":        inv.Sold,
		"available":   inv.Available(),
	})
}
