package handlers

import (
	"errors"

	"github.com/pocketbase/pocketbase/apis"

	"concert-tickets/internal/status"
)

// toAPIError maps domain sentinels to PocketBase API errors. Anything not
// recognized is an internal error and its detail stays in the logs.
func toAPIError(err error) error {
	switch {
	case errors.Is(err, status.ErrForbidden):
		return apis.NewForbiddenError("Access denied", nil)
	case errors.Is(err, status.ErrInvalidSignature):
		return apis.NewUnauthorizedError("Invalid signature", nil)
	case errors.Is(err, status.ErrInvalidPaymentFact),
		errors.Is(err, status.ErrInvalidQuantity),
		errors.Is(err, status.ErrInvalidFormat):
		return apis.NewBadRequestError(err.Error(), nil)
	case errors.Is(err, status.ErrOrderNotFound),
		errors.Is(err, status.ErrTicketNotFound),
		errors.Is(err, status.ErrEventNotFound),
		errors.Is(err, status.ErrCategoryNotFound),
		errors.Is(err, status.ErrUserNotFound):
		return apis.NewNotFoundError(err.Error(), nil)
	case errors.Is(err, status.ErrOrderBusy):
		return apis.NewApiError(409, "Order is being processed, retry later", nil)
	case errors.Is(err, status.ErrInvalidTransition),
		errors.Is(err, status.ErrOrderFailed):
		return apis.NewApiError(409, err.Error(), nil)
	}
	return apis.NewInternalServerError("internal error", nil)
}
