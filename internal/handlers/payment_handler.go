package handlers

import (
	"io"
	"net/http"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"go.uber.org/zap"

	"concert-tickets/internal/services"
	"concert-tickets/internal/status"
	"concert-tickets/models"
	"concert-tickets/security"
)

const (
	SignatureHeader = "X-Signature"
	maxWebhookBody  = 1 << 20
)

var webhookCaller = models.Caller{Subject: "payments-webhook", Role: models.RoleSystem}

type PaymentHandler struct {
	coordinator *services.IssuanceCoordinator
	secret      []byte
	logger      *zap.Logger
}

func NewPaymentHandler(coordinator *services.IssuanceCoordinator, webhookSecret string, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		coordinator: coordinator,
		secret:      []byte(webhookSecret),
		logger:      logger,
	}
}

// PaymentCompleted is the payment provider webhook. The body is signed with
// a hex HMAC-SHA256 in X-Signature.
func (h *PaymentHandler) PaymentCompleted(e *core.RequestEvent) error {
	body, err := io.ReadAll(io.LimitReader(e.Request.Body, maxWebhookBody))
	if err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if !security.VerifySignature(h.secret, body, e.Request.Header.Get(SignatureHeader)) {
		h.logger.Warn("webhook signature rejected", zap.String("remote_addr", e.Request.RemoteAddr))
		return toAPIError(status.ErrInvalidSignature)
	}

	fact, err := services.DecodePaymentFact(body)
	if err != nil {
		return toAPIError(err)
	}

	res, err := h.coordinator.Finalize(e.Request.Context(), webhookCaller, fact)
	if err != nil {
		h.logger.Error("h.coordinator.Finalize()",
			zap.String("payment_reference", fact.PaymentReference),
			zap.Error(err),
		)
		return toAPIError(err)
	}
	return e.JSON(http.StatusOK, res)
}

// GetPaymentOrder lets the purchaser poll for the order created from a
// payment reference.
func (h *PaymentHandler) GetPaymentOrder(e *core.RequestEvent) error {
	caller, ok := security.CallerFrom(e)
	if !ok {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}
	order, err := h.coordinator.LookupPayment(e.Request.Context(), caller, e.Request.PathValue("reference"))
	if err != nil {
		return toAPIError(err)
	}
	return e.JSON(http.StatusOK, order)
}
